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
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	instrapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/instrumentation"
	logapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/log"
	"github.com/containers/qmss-qos/pkg/qmss/qos"
)

var errRestartRequired = errors.New("configuration change needs a restart")

// edit is a single runtime change of a range.
type edit struct {
	what  string
	apply func(*qos.Instance) error
}

func (e edit) String() string {
	return e.what
}

// treeNode is a policy tree node with its full path.
type treeNode struct {
	path string
	node *cfgapi.Node
}

// tunables are the node fields runtime edits can change.
var tunables = cmpopts.IgnoreFields(cfgapi.Node{},
	"Weight", "OutputRate", "BurstSize", "OverheadBytes", "InputQueues", "Children")

// diffRange returns the runtime edits which turn the running range old into
// upd. Changes no runtime edit can make are reported as errRestartRequired.
func diffRange(old, upd *cfgapi.QosRangeSpec) ([]edit, error) {
	o, u := *old, *upd
	for _, s := range []*cfgapi.QosRangeSpec{&o, &u} {
		s.Trees, s.DropPolicies = nil, nil
		s.Log = logapi.Config{}
		s.Instrumentation = instrapi.Config{}
	}
	if diff := cmp.Diff(o, u); diff != "" {
		return nil, fmt.Errorf("%w: range parameters changed (-old +new):\n%s", errRestartRequired, diff)
	}

	policyEdits, err := diffPolicies(old.DropPolicies, upd.DropPolicies)
	if err != nil {
		return nil, err
	}
	nodeEdits, err := diffTrees(old.Trees, upd.Trees)
	if err != nil {
		return nil, err
	}

	return append(policyEdits, nodeEdits...), nil
}

func diffPolicies(old, upd []cfgapi.DropPolicy) ([]edit, error) {
	if len(old) != len(upd) {
		return nil, fmt.Errorf("%w: drop policies added or removed", errRestartRequired)
	}

	var edits []edit
	for i := range upd {
		o, u := old[i], upd[i]
		if o.Name != u.Name || o.Default != u.Default {
			return nil, fmt.Errorf("%w: drop policy %s renamed or default changed", errRestartRequired, o.Name)
		}
		if cmp.Equal(o, u) {
			continue
		}
		edits = append(edits, edit{
			what: fmt.Sprintf("drop policy %s", u.Name),
			apply: func(inst *qos.Instance) error {
				return inst.SetDropPolicy(u.Name, u)
			},
		})
	}
	return edits, nil
}

func flatten(trees []cfgapi.Node) []treeNode {
	var nodes []treeNode
	var walk func(prefix string, n *cfgapi.Node)
	walk = func(prefix string, n *cfgapi.Node) {
		path := n.Name
		if prefix != "" {
			path = prefix + qos.PathSeparator + n.Name
		}
		nodes = append(nodes, treeNode{path: path, node: n})
		for i := range n.Children {
			walk(path, &n.Children[i])
		}
	}
	for i := range trees {
		walk("", &trees[i])
	}
	return nodes
}

func diffTrees(old, upd []cfgapi.Node) ([]edit, error) {
	oldNodes, updNodes := flatten(old), flatten(upd)
	paths := func(nodes []treeNode) []string {
		var p []string
		for _, tn := range nodes {
			p = append(p, tn.path)
		}
		return p
	}
	if !slices.Equal(paths(oldNodes), paths(updNodes)) {
		return nil, fmt.Errorf("%w: policy tree nodes added, removed or reordered", errRestartRequired)
	}

	var edits []edit
	for i, tn := range updNodes {
		e, err := diffNode(tn.path, oldNodes[i].node, tn.node)
		if err != nil {
			return nil, err
		}
		edits = append(edits, e...)
	}
	return edits, nil
}

func diffNode(path string, o, u *cfgapi.Node) ([]edit, error) {
	if diff := cmp.Diff(*o, *u, tunables); diff != "" {
		return nil, fmt.Errorf("%w: node %s changed (-old +new):\n%s", errRestartRequired, path, diff)
	}
	if (o.Weight == nil) != (u.Weight == nil) ||
		(o.OutputRate == nil) != (u.OutputRate == nil) ||
		(o.BurstSize == nil) != (u.BurstSize == nil) ||
		(o.OverheadBytes == nil) != (u.OverheadBytes == nil) {
		return nil, fmt.Errorf("%w: node %s: parameter set or unset", errRestartRequired, path)
	}

	var edits []edit
	if u.Weight != nil && *u.Weight != *o.Weight {
		w := *u.Weight
		edits = append(edits, edit{
			what:  fmt.Sprintf("%s: weight %d", path, w),
			apply: func(inst *qos.Instance) error { return inst.SetWeight(path, w) },
		})
	}
	if u.OverheadBytes != nil && *u.OverheadBytes != *o.OverheadBytes {
		v := *u.OverheadBytes
		edits = append(edits, edit{
			what:  fmt.Sprintf("%s: overhead bytes %d", path, v),
			apply: func(inst *qos.Instance) error { return inst.SetOverheadBytes(path, v) },
		})
	}
	// the burst headroom depends on the rate, so the rate goes first
	if u.OutputRate != nil && *u.OutputRate != *o.OutputRate {
		r := *u.OutputRate
		edits = append(edits, edit{
			what:  fmt.Sprintf("%s: output rate %d", path, r),
			apply: func(inst *qos.Instance) error { return inst.SetOutputRate(path, r) },
		})
	}
	if u.BurstSize != nil && *u.BurstSize != *o.BurstSize {
		b := *u.BurstSize
		edits = append(edits, edit{
			what:  fmt.Sprintf("%s: burst size %d", path, b),
			apply: func(inst *qos.Instance) error { return inst.SetBurstSize(path, b) },
		})
	}

	// adding first keeps a leaf from ever losing its last queue
	for _, q := range u.InputQueues {
		q := q
		if !slices.Contains(o.InputQueues, q) {
			edits = append(edits, edit{
				what:  fmt.Sprintf("%s: add input queue %d", path, q),
				apply: func(inst *qos.Instance) error { return inst.AddInputQueue(path, q) },
			})
		}
	}
	for _, q := range o.InputQueues {
		q := q
		if !slices.Contains(u.InputQueues, q) {
			edits = append(edits, edit{
				what:  fmt.Sprintf("%s: remove input queue %d", path, q),
				apply: func(inst *qos.Instance) error { return inst.RemoveInputQueue(path, q) },
			})
		}
	}

	return edits, nil
}

// applyEdits applies all edits to inst. A failed edit does not stop the
// rest from being applied.
func applyEdits(inst *qos.Instance, edits []edit) error {
	var errs *multierror.Error
	for _, e := range edits {
		if err := e.apply(inst); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", e, err))
			continue
		}
		log.Info("firmware #%d: applied %s", inst.ID(), e)
	}
	return errs.ErrorOrNil()
}

func describeEdits(edits []edit) string {
	what := make([]string, 0, len(edits))
	for _, e := range edits {
		what = append(what, e.what)
	}
	return strings.Join(what, ", ")
}
