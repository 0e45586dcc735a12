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

package qos

import (
	"fmt"
	"math"
	"sort"
	"strings"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
)

// Kind is the scheduling discipline of a node.
type Kind int

const (
	// KindDefault nodes do not schedule, they pass traffic through.
	KindDefault Kind = iota
	// KindPriority nodes schedule their children by strict priority.
	KindPriority
	// KindWRR nodes schedule their children by weighted round robin.
	KindWRR
	// KindBlended nodes schedule strict priority children first, then
	// weighted round robin children, then low priority children.
	KindBlended
)

var kindNames = map[Kind]string{
	KindDefault:  "default",
	KindPriority: "strict-priority",
	KindWRR:      "weighted-round-robin",
	KindBlended:  "blended",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind#%d", int(k))
}

// NodeID identifies a node within an Instance.
type NodeID int

const (
	noNode NodeID = -1
	unset         = -1
	// PathSeparator separates node names in a node path.
	PathSeparator = "/"
	// maxPriority is the largest accepted priority, MaxUint32 means unset.
	maxPriority = math.MaxUint32 - 1
)

type inputQueue struct {
	queue int
	slot  int
}

type node struct {
	id          NodeID
	parent      NodeID
	children    []NodeID
	name        string
	kind        Kind
	priority    int64
	weight      int64
	lowPriority int64
	acct        Accounting
	overhead    int
	outputRate  int64
	burstSize   int64
	outputQueue int
	policy      *dropPolicy
	stats       *statsClass
	inputs      []inputQueue
	isJoint     bool

	prioChildren    int
	wrrChildren     int
	lowPrioChildren int

	// derived by the map pass
	childCount     int
	childPortCount int
	parentInput    int
	childWeights   []uint32
	isDropInput    bool
	hasPort        bool

	// derived by the alloc pass
	port      int
	feedPort  int
	feedInput int
	dropOut   int
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

func (n *node) isRoot() bool {
	return n.parent == noNode
}

func (l *locked) node(id NodeID) *node {
	if id < 0 || int(id) >= len(l.nodes) {
		return nil
	}
	return l.nodes[id]
}

func (l *locked) path(n *node) string {
	names := []string{n.name}
	for p := l.node(n.parent); p != nil; p = l.node(p.parent) {
		names = append(names, p.name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, PathSeparator)
}

// lookup resolves a node path.
func (l *locked) lookup(path string) (*node, error) {
	names := strings.Split(strings.Trim(path, PathSeparator), PathSeparator)
	var n *node
	for _, id := range l.roots {
		if r := l.nodes[id]; r.name == names[0] {
			n = r
			break
		}
	}
	for _, name := range names[1:] {
		if n == nil {
			break
		}
		var next *node
		for _, id := range n.children {
			if c := l.nodes[id]; c.name == name {
				next = c
				break
			}
		}
		n = next
	}
	if n == nil {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, path)
	}
	return n, nil
}

func nodeKind(cfg *cfgapi.Node) (Kind, error) {
	kind, count := KindDefault, 0
	if cfg.StrictPriority {
		kind, count = KindPriority, count+1
	}
	if cfg.WeightedRoundRobin {
		kind, count = KindWRR, count+1
	}
	if cfg.Blended {
		kind, count = KindBlended, count+1
	}
	if count > 1 {
		return KindDefault, invalidf("conflicting scheduling kinds")
	}
	return kind, nil
}

// parseNode builds a node and its subtree from its configuration. On
// failure the partially built subtree is unwound and the parent is left
// untouched.
func (l *locked) parseNode(cfg *cfgapi.Node, parent NodeID) (NodeID, error) {
	n := &node{
		id:          NodeID(len(l.nodes)),
		parent:      parent,
		name:        cfg.Name,
		priority:    unset,
		weight:      unset,
		lowPriority: unset,
		outputRate:  unset,
		burstSize:   unset,
		outputQueue: unset,
		port:        unset,
		feedPort:    unset,
		feedInput:   unset,
		dropOut:     unset,
	}
	l.nodes = append(l.nodes, n)

	if err := l.parseAttributes(n, cfg); err != nil {
		l.unwind(n.id)
		return noNode, fmt.Errorf("node %s: %w", l.pathOrName(n), err)
	}

	for i := range cfg.Children {
		child, err := l.parseNode(&cfg.Children[i], n.id)
		if err != nil {
			l.unwind(n.id)
			return noNode, err
		}
		n.children = append(n.children, child)
	}

	l.sortChildren(n)

	log.Debug("parsed node %s (%s, %d children)", l.path(n), n.kind, len(n.children))

	return n.id, nil
}

func (l *locked) pathOrName(n *node) string {
	if n.name == "" {
		return fmt.Sprintf("#%d", n.id)
	}
	return l.path(n)
}

// unwind releases the references held by a node and by every node parsed
// after it, which are its descendants, and drops them from the arena.
func (l *locked) unwind(id NodeID) {
	for _, n := range l.nodes[id:] {
		if n.policy != nil {
			n.policy.usecount--
			n.policy = nil
		}
		if n.stats != nil {
			l.putStatsClass(n.stats)
			n.stats = nil
		}
	}
	l.nodes = l.nodes[:id]
}

func (l *locked) parseAttributes(n *node, cfg *cfgapi.Node) error {
	var (
		parent = l.node(n.parent)
		leaf   = len(cfg.Children) == 0
		err    error
	)

	if n.name == "" {
		return invalidf("missing name")
	}
	if strings.Contains(n.name, PathSeparator) {
		return invalidf("name contains %q", PathSeparator)
	}

	if n.kind, err = nodeKind(cfg); err != nil {
		return err
	}

	if err := l.parseScheduling(n, parent, cfg); err != nil {
		return err
	}

	if parent == nil {
		if n.kind == KindDefault {
			return invalidf("root must schedule (strict priority, weighted round robin or blended)")
		}
		if cfg.OutputQueue == nil || *cfg.OutputQueue < 0 || *cfg.OutputQueue > 0xffff {
			return invalidf("root needs a valid output queue")
		}
		n.outputQueue = *cfg.OutputQueue
	} else if cfg.OutputQueue != nil {
		log.Warn("node %s: ignoring output queue of a non-root node", l.path(n))
	}

	if err := l.parseUnits(n, parent, cfg); err != nil {
		return err
	}

	if err := l.parseDropPolicy(n, parent, cfg, leaf); err != nil {
		return err
	}

	if !leaf {
		if cfg.StatsClass != "" {
			return invalidf("stats class on a non-leaf node")
		}
		if len(cfg.InputQueues) > 0 {
			return invalidf("input queues on a non-leaf node")
		}
		if len(cfg.Children) > 2*l.ipp {
			return fmt.Errorf("%w: %w: %d children, at most %d", ErrInvalid, ErrOverflow,
				len(cfg.Children), 2*l.ipp)
		}
		if len(cfg.Children) > l.ipp {
			if n.kind == KindDefault {
				return invalidf("%d children need a joint port, which a default node cannot have",
					len(cfg.Children))
			}
			n.isJoint = true
		}
		return nil
	}

	if n.kind != KindDefault {
		return invalidf("leaf must be a default node")
	}

	return l.parseInputs(n, cfg)
}

func (l *locked) parseScheduling(n, parent *node, cfg *cfgapi.Node) error {
	set := 0
	for _, v := range []*uint32{cfg.Priority, cfg.Weight, cfg.LowPriority} {
		if v != nil {
			set++
		}
	}
	if set > 1 {
		return invalidf("priority, weight and low priority are mutually exclusive")
	}

	if parent == nil {
		if set > 0 {
			return invalidf("root cannot have a priority or weight")
		}
		return nil
	}

	switch parent.kind {
	case KindDefault:
		if set > 0 {
			return invalidf("priority or weight under a default node")
		}
	case KindPriority:
		if cfg.Priority == nil {
			return invalidf("strict priority parent %s needs a priority", parent.name)
		}
	case KindWRR:
		if cfg.Weight == nil {
			return invalidf("weighted round robin parent %s needs a weight", parent.name)
		}
	case KindBlended:
		if set == 0 {
			return invalidf("blended parent %s needs a priority, weight or low priority", parent.name)
		}
	}

	switch {
	case cfg.Priority != nil:
		if *cfg.Priority > maxPriority {
			return invalidf("priority %d out of range", *cfg.Priority)
		}
		n.priority = int64(*cfg.Priority)
	case cfg.Weight != nil:
		if *cfg.Weight < 1 || *cfg.Weight > MaxWeight {
			return invalidf("weight %d out of range [1, %d]", *cfg.Weight, MaxWeight)
		}
		n.weight = int64(*cfg.Weight)
	case cfg.LowPriority != nil:
		if *cfg.LowPriority > maxPriority {
			return invalidf("low priority %d out of range", *cfg.LowPriority)
		}
		n.lowPriority = int64(*cfg.LowPriority)
	}

	for _, id := range parent.children {
		s := l.nodes[id]
		switch {
		case s.name == n.name:
			return invalidf("duplicate name among siblings")
		case n.priority != unset && s.priority == n.priority:
			return invalidf("duplicate priority %d among siblings", n.priority)
		case n.lowPriority != unset && s.lowPriority == n.lowPriority:
			return invalidf("duplicate low priority %d among siblings", n.lowPriority)
		}
	}

	return nil
}

func (l *locked) parseUnits(n, parent *node, cfg *cfgapi.Node) error {
	switch {
	case cfg.ByteUnits && cfg.PacketUnits:
		return invalidf("both byte and packet units")
	case cfg.ByteUnits:
		n.acct = AcctBytes
	case cfg.PacketUnits:
		n.acct = AcctPackets
	case parent != nil:
		n.acct = parent.acct
	default:
		n.acct = AcctBytes
	}

	switch {
	case cfg.OverheadBytes != nil:
		n.overhead = *cfg.OverheadBytes
	case parent != nil:
		n.overhead = parent.overhead
	default:
		n.overhead = DefaultOverheadBytes
	}
	if n.overhead < -MaxOverheadBytes || n.overhead > MaxOverheadBytes {
		return invalidf("overhead bytes %d out of range [%d, %d]",
			n.overhead, -MaxOverheadBytes, MaxOverheadBytes)
	}

	switch {
	case cfg.OutputRate != nil:
		n.outputRate = int64(*cfg.OutputRate)
	case parent != nil:
		n.outputRate = parent.outputRate
	}
	if n.outputRate != unset {
		if err := checkRate(uint32(n.outputRate), n.acct, l.ticksPerSec); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	switch {
	case cfg.BurstSize != nil:
		n.burstSize = int64(*cfg.BurstSize)
	case parent != nil:
		n.burstSize = parent.burstSize
	}
	if n.burstSize != unset {
		if err := checkBurst(uint32(n.burstSize), n.acct); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	return nil
}

// dropAncestor returns the nearest ancestor with a drop policy, if any.
func (l *locked) dropAncestor(n *node) *node {
	for p := l.node(n.parent); p != nil; p = l.node(p.parent) {
		if p.policy != nil {
			return p
		}
	}
	return nil
}

func (l *locked) parseDropPolicy(n, parent *node, cfg *cfgapi.Node, leaf bool) error {
	holder := l.dropAncestor(n)

	if holder != nil {
		if cfg.DropPolicy != "" {
			return invalidf("drop policy %s under drop policy of %s", cfg.DropPolicy, holder.name)
		}
		if n.kind != KindDefault {
			return invalidf("scheduling node under drop policy of %s", holder.name)
		}
	}

	name := cfg.DropPolicy
	if name == "" {
		if !leaf || holder != nil {
			return nil
		}
		if l.defaultPolicy == nil {
			return invalidf("leaf without a drop policy and no default policy")
		}
		name = l.defaultPolicy.name
	}

	p := l.findPolicy(name)
	if p == nil {
		return invalidf("unknown drop policy %s", name)
	}
	p.usecount++
	n.policy = p

	return nil
}

func (l *locked) parseInputs(n *node, cfg *cfgapi.Node) error {
	if len(cfg.InputQueues) == 0 {
		return invalidf("leaf without input queues")
	}
	if len(cfg.InputQueues) > MaxInputQueues {
		return invalidf("%d input queues, at most %d", len(cfg.InputQueues), MaxInputQueues)
	}

	seen := make(map[int]struct{}, len(cfg.InputQueues))
	for _, q := range cfg.InputQueues {
		if q < 0 {
			return invalidf("invalid input queue %d", q)
		}
		if _, dup := seen[q]; dup {
			return invalidf("duplicate input queue %d", q)
		}
		seen[q] = struct{}{}
		n.inputs = append(n.inputs, inputQueue{queue: q, slot: unset})
	}

	name := cfg.StatsClass
	if name == "" {
		name = DefaultStatsClass
	}
	sc, err := l.getStatsClass(name)
	if err != nil {
		return err
	}
	n.stats = sc

	return nil
}

// sortChildren orders the children of a node into scheduler input order:
// strict priority children by priority, then weighted round robin
// children, then low priority children by low priority.
func (l *locked) sortChildren(n *node) {
	rank := func(c *node) (int, int64) {
		switch {
		case c.priority != unset:
			return 0, c.priority
		case c.weight != unset:
			return 1, 0
		case c.lowPriority != unset:
			return 2, c.lowPriority
		}
		return 3, 0
	}

	sort.SliceStable(n.children, func(i, j int) bool {
		ci, vi := rank(l.nodes[n.children[i]])
		cj, vj := rank(l.nodes[n.children[j]])
		if ci != cj {
			return ci < cj
		}
		return vi < vj
	})

	n.prioChildren, n.wrrChildren, n.lowPrioChildren = 0, 0, 0
	for _, id := range n.children {
		switch c, _ := rank(l.nodes[id]); c {
		case 0:
			n.prioChildren++
		case 1:
			n.wrrChildren++
		case 2:
			n.lowPrioChildren++
		}
	}
}

// NodeInfo is a snapshot of the derived state of a node.
type NodeInfo struct {
	Name        string
	Path        string
	Kind        Kind
	Accounting  Accounting
	Port        int
	OddPort     int
	ParentInput int
	OutputQueue int
	DropPolicy  string
	DropOutput  int
	StatsClass  string
	InputQueues []InputQueueInfo
	Children    []string
}

// InputQueueInfo is a leaf input queue with its drop queue slot.
type InputQueueInfo struct {
	Queue     int
	DropQueue int
}

// Node returns a snapshot of the node with the given path. Port, OddPort,
// DropOutput and DropQueue are -1 when the node has no such resource.
func (inst *Instance) Node(path string) (NodeInfo, error) {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return NodeInfo{}, err
	}

	info := NodeInfo{
		Name:        n.name,
		Path:        l.path(n),
		Kind:        n.kind,
		Accounting:  n.acct,
		Port:        unset,
		OddPort:     unset,
		ParentInput: n.parentInput,
		OutputQueue: n.outputQueue,
		DropOutput:  n.dropOut,
	}
	if n.hasPort {
		info.Port = n.port
		if n.isJoint {
			info.OddPort = n.port + 1
		}
	}
	if n.policy != nil {
		info.DropPolicy = n.policy.name
	}
	if n.stats != nil {
		info.StatsClass = n.stats.name
	}
	for _, in := range n.inputs {
		info.InputQueues = append(info.InputQueues, InputQueueInfo{Queue: in.queue, DropQueue: in.slot})
	}
	for _, id := range n.children {
		info.Children = append(info.Children, l.nodes[id].name)
	}

	return info, nil
}

// Roots returns the root node names of all trees.
func (inst *Instance) Roots() []string {
	l := inst.lock()
	defer l.unlock()

	names := make([]string, 0, len(l.roots))
	for _, id := range l.roots {
		names = append(names, l.nodes[id].name)
	}
	return names
}
