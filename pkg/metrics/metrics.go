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

package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/qmss-qos/pkg/log"
)

var log = logger.Get("metrics")

// State is a set of collector flags.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = 1 << iota
	// Polled collectors serve the metrics sampled during the last poll.
	Polled
	// NamespacePrefix prefixes metrics with the gatherer namespace.
	NamespacePrefix
	// SubsystemPrefix prefixes metrics with the collector group name.
	SubsystemPrefix

	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
)

// String returns the flags of the state as a comma-separated list.
func (s State) String() string {
	flags := []string{"disabled"}
	if s&Enabled != 0 {
		flags[0] = "enabled"
	}
	if s&Polled != 0 {
		flags = append(flags, "polled")
	}
	if s&NamespacePrefix != 0 {
		flags = append(flags, "namespace-prefixed")
	}
	if s&SubsystemPrefix != 0 {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a registered prometheus.Collector.
type Collector struct {
	prometheus.Collector
	name  string
	group string
	state State
	last  []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) { c.state &^= NamespacePrefix }
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) { c.state &^= SubsystemPrefix }
}

// WithPolled marks a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) { c.state |= Polled }
}

// Name returns the qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current flags of the collector.
func (c *Collector) State() State {
	return c.state
}

// Matches returns true if the collector matches the given glob by group,
// by name, or by qualified name.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	switch {
	case c.state&Enabled == 0:
	case c.state&Polled == 0:
		c.Collector.Collect(ch)
	default:
		for _, m := range c.last {
			ch <- m
		}
	}
}

// Poll samples a polled collector.
func (c *Collector) Poll() {
	if c.state&(Enabled|Polled) != Enabled|Polled {
		return
	}

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.Collector.Collect(ch)
		close(ch)
	}()

	var sample []prometheus.Metric
	for m := range ch {
		sample = append(sample, m)
	}
	c.last = sample
	log.Debug("polled %s: %d metrics", c.Name(), len(sample))
}

// Registry is a set of collector groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group string
	copts []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name != "" {
			o.group = name
		}
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string][]*Collector)}
}

// Register adds a collector to the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range opts {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[o.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", o.group, name)
		}
	}

	c := &Collector{
		Collector: collector,
		name:      name,
		group:     o.group,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, opt := range o.copts {
		opt(c)
	}
	r.groups[o.group] = append(r.groups[o.group], c)
	log.Info("registered collector %s", c.Name())

	return nil
}

// Collectors returns all registered collectors sorted by qualified name.
func (r *Registry) Collectors() []*Collector {
	r.Lock()
	defer r.Unlock()

	var all []*Collector
	for _, grp := range r.groups {
		all = append(all, grp...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// configure enables collectors matching any glob in enabled or polled,
// forcing the latter into polled mode. Unmatched globs are an error.
func (r *Registry) configure(enabled, polled []string) (State, error) {
	matched := map[string]bool{}
	state := State(0)

	for _, c := range r.Collectors() {
		c.state &^= Enabled
		for _, glob := range enabled {
			if c.Matches(glob) {
				matched[glob] = true
				c.state |= Enabled
			}
		}
		for _, glob := range polled {
			if c.Matches(glob) {
				matched[glob] = true
				c.state |= Enabled | Polled
			}
		}
		log.Debug("collector %s: %s", c.Name(), c.state)
		state |= c.state
	}

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll samples all enabled polled collectors.
func (r *Registry) Poll() {
	for _, c := range r.Collectors() {
		c.Poll()
	}
}

const (
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// Gatherer is a prometheus.Gatherer for the enabled collectors of a Registry.
type Gatherer struct {
	*prometheus.Registry
	r         *Registry
	namespace string
	interval  time.Duration
	enabled   []string
	polled    []string
	lock      sync.Mutex
	stopCh    chan chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) { g.namespace = namespace }
}

// WithPollInterval sets the polling interval. Zero disables polling.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		if interval != 0 && interval < MinPollInterval {
			interval = MinPollInterval
		}
		g.interval = interval
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a Gatherer and starts polling if any enabled
// collector is polled.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		r:        r,
		interval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	state, err := r.configure(g.enabled, g.polled)
	if err != nil {
		return nil, err
	}

	for _, c := range r.Collectors() {
		// the outermost wrapper's prefix ends up innermost in the name
		reg := prometheus.Registerer(g.Registry)
		if c.state&NamespacePrefix != 0 && g.namespace != "" {
			reg = prometheus.WrapRegistererWithPrefix(g.namespace+"_", reg)
		}
		if c.state&SubsystemPrefix != 0 {
			reg = prometheus.WrapRegistererWithPrefix(c.group+"_", reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
		}
	}

	if state&Polled != 0 && g.interval > 0 {
		r.Poll()
		g.stopCh = make(chan chan struct{})
		go g.poller(time.NewTicker(g.interval))
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll samples all polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) poller(ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case doneCh := <-g.stopCh:
			close(doneCh)
			return
		case <-ticker.C:
			g.Poll()
		}
	}
}

// Stop stops polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	doneCh := make(chan struct{})
	g.stopCh <- doneCh
	<-doneCh
	g.stopCh = nil
}

var defaultRegistry = NewRegistry()

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return defaultRegistry.Register(name, collector, opts...)
}
