// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/go-cmp/cmp"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	"github.com/containers/qmss-qos/pkg/config"
	"github.com/containers/qmss-qos/pkg/healthz"
	"github.com/containers/qmss-qos/pkg/instrumentation"
	logger "github.com/containers/qmss-qos/pkg/log"
	"github.com/containers/qmss-qos/pkg/metrics"
	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/firmware/simulator"
	"github.com/containers/qmss-qos/pkg/qmss/qos"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

var log = logger.Get("qos-ctl")

func main() {
	configFile := flag.String("config", "", "QoS range configuration file.")
	watch := flag.Bool("watch", false, "Apply runtime edits when the configuration file changes.")
	flag.Parse()

	if *configFile == "" {
		log.Error("missing -config")
		flag.Usage()
		os.Exit(1)
	}

	logger.SetSlogLogger("slog")

	if err := run(*configFile, *watch); err != nil {
		log.Fatal("%v", err)
	}
}

func run(configFile string, watch bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return err
	}

	dev := qos.NewDevice()
	defer func() {
		if err := dev.Close(); err != nil {
			log.Error("failed to close QoS ranges: %v", err)
		}
	}()

	sim, err := newSimulator(&cfg.Spec)
	if err != nil {
		return err
	}
	r, err := newQosRange(dev, &cfg.Spec, sim)
	if err != nil {
		return err
	}
	defer healthz.UnregisterHealthChecker(r.checkerName())

	if err := metrics.Register(qos.CollectorName, qos.NewCollector(dev), metrics.WithGroup("qos")); err != nil {
		return fmt.Errorf("failed to register metrics collector: %w", err)
	}
	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer instrumentation.Stop()

	if err := r.inst.Start(); err != nil {
		return fmt.Errorf("failed to start firmware #%d: %w", r.inst.ID(), err)
	}
	log.Info("firmware #%d (version 0x%x) started, trees %v", r.inst.ID(), r.inst.Version(), r.inst.Roots())

	var updates <-chan *cfgapi.QosRange
	if watch {
		w, err := config.NewWatch(configFile)
		if err != nil {
			return err
		}
		defer w.Stop()
		updates = w.ResultChan()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			log.Info("received %v, shutting down...", sig)
			return nil
		case upd, ok := <-updates:
			if !ok {
				log.Warn("configuration watch stopped")
				updates = nil
				continue
			}
			if err := r.reload(dev, &upd.Spec); err != nil {
				log.Error("%v", err)
			}
		}
	}
}

// qosRange is a running QoS range with the configuration it was last
// brought to.
type qosRange struct {
	spec *cfgapi.QosRangeSpec
	inst *qos.Instance
}

func newQosRange(dev *qos.Device, spec *cfgapi.QosRangeSpec, regs firmware.Registers, opts ...qos.Option) (*qosRange, error) {
	inst, err := qos.NewInstance(spec, regs, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to set up firmware #%d: %w", spec.FirmwareID, err)
	}
	if err := dev.Add(inst); err != nil {
		return nil, err
	}

	r := &qosRange{spec: spec, inst: inst}
	healthz.RegisterHealthChecker(r.checkerName(), r.healthCheck)

	return r, nil
}

func (r *qosRange) checkerName() string {
	return fmt.Sprintf("firmware-%d", r.inst.ID())
}

func (r *qosRange) healthCheck() (healthz.Status, error) {
	if state := r.inst.State(); state != qos.StateStarted {
		return healthz.Degraded, fmt.Errorf("%s", state)
	}
	return healthz.Healthy, nil
}

// reload applies the runtime edits between the current and an updated
// configuration. Structural changes leave the range untouched.
func (r *qosRange) reload(dev *qos.Device, upd *cfgapi.QosRangeSpec) error {
	if err := logger.Configure(&upd.Log); err != nil {
		log.Warn("ignoring log configuration: %v", err)
	}
	if !cmp.Equal(r.spec.Instrumentation, upd.Instrumentation) {
		if err := instrumentation.Reconfigure(&upd.Instrumentation); err != nil {
			log.Warn("failed to reconfigure instrumentation: %v", err)
		}
	}

	edits, err := diffRange(r.spec, upd)
	if err != nil {
		return fmt.Errorf("firmware #%d: update not applied: %w", r.inst.ID(), err)
	}
	if len(edits) == 0 {
		log.Info("firmware #%d: no runtime changes", r.inst.ID())
		r.spec = upd
		return nil
	}

	log.Info("firmware #%d: applying %s", r.inst.ID(), describeEdits(edits))

	// failed edits are not retried, the update becomes the new baseline
	err = applyEdits(r.inst, edits)
	r.spec = upd

	if qos.IsBusy(err) {
		for _, c := range []shadow.Class{shadow.SchedPort, shadow.DropConfig, shadow.DropOutput, shadow.DropQueue} {
			if syncErr := dev.SyncAll(c); syncErr != nil {
				log.Warn("failed to sync %s: %v", c, syncErr)
			}
		}
	}

	return err
}

// newSimulator creates a simulated firmware with the resource layout of a
// range.
func newSimulator(spec *cfgapi.QosRangeSpec) (*simulator.Simulator, error) {
	rng := func(r cfgapi.ShadowRange) shadow.Range {
		return shadow.Range{Start: r.Start, Count: r.Count, Size: r.Size}
	}
	return simulator.New(simulator.Config{
		Ranges: map[shadow.Class]shadow.Range{
			shadow.SchedPort:  rng(spec.SchedPorts),
			shadow.DropConfig: rng(spec.DropConfigs),
			shadow.DropOutput: rng(spec.DropOutputs),
			shadow.DropQueue:  rng(spec.DropQueues),
		},
		StatsBlocks: spec.Statistics.Start + spec.Statistics.Count,
	})
}
