package mplsim

// mplsim.go builds the run-time structures of a simulation from its description:
// the topology with its nodes, links and flows, and a clock that drives it and
// carries out the scheduled link events.

import (
	"context"
	"net/netip"
	"path"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// roleDefaults gives the router parameters a node description leaves unset
var roleDefaults map[ElementKind]RouterParams = map[ElementKind]RouterParams{
	LERNode: {NumPorts: 8, Capacity: 10000, BufferMB: 1, PHP: false, RFC4950: true, PropagateTTL: true, LDP: true},
	LSRNode: {NumPorts: 8, Capacity: 10000, BufferMB: 1, PHP: false, RFC4950: true, PropagateTTL: true, LDP: true},
}

// DefaultRouterParams returns the parameters a node of the given kind gets by default
func DefaultRouterParams(kind ElementKind) RouterParams {
	return roleDefaults[kind]
}

// routerParams merges the settings of a node description over the role default
func (nd *NodeDesc) routerParams(kind ElementKind) RouterParams {
	params := DefaultRouterParams(kind)
	if nd.NumPorts > 0 {
		params.NumPorts = nd.NumPorts
	}
	if nd.Capacity > 0 {
		params.Capacity = nd.Capacity
	}
	if nd.BufferMB > 0 {
		params.BufferMB = nd.BufferMB
	}
	setIf := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setIf(&params.PHP, nd.PHP)
	setIf(&params.RFC4950, nd.RFC4950)
	setIf(&params.PropagateTTL, nd.PropagateTTL)
	setIf(&params.LDP, nd.LDP)
	return params
}

// createNode builds the node a description asks for
func createNode(nd *NodeDesc) (Node, error) {
	kind, err := elementKindFromStr(nd.Kind)
	if err != nil || !kind.isNode() {
		return nil, errors.Errorf("node %s: unknown kind %q", nd.Name, nd.Kind)
	}
	ip, err := netip.ParseAddr(nd.IP)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", nd.Name)
	}

	switch kind {
	case SenderNode:
		return CreateSender(nd.Name, ip), nil
	case ReceiverNode:
		return CreateReceiver(nd.Name, ip), nil
	}

	var fn *forwardingNode
	var node Node
	if kind == LERNode {
		ler := CreateLER(nd.Name, ip, nd.routerParams(kind))
		fn, node = &ler.forwardingNode, ler
	} else {
		lsr := CreateLSR(nd.Name, ip, nd.routerParams(kind))
		fn, node = &lsr.forwardingNode, lsr
	}
	fn.SetArtificiallyCongested(nd.Congested)
	return node, nil
}

// BuildTopology creates the topology a description gives.  Static table entries are
// seeded once every link is in place, since a FEC entry is bound to the port leading
// to its next hop
func BuildTopology(td *TopoDesc, sink EventSink, logger *zap.Logger) (*Topology, error) {
	topo := CreateTopology(td.Name, sink, logger)

	for idx := range td.Nodes {
		nd := &td.Nodes[idx]
		node, err := createNode(nd)
		if err != nil {
			return nil, err
		}
		if verr := topo.AddNode(node); verr != ConfigOK {
			return nil, errors.Errorf("node %s: %s", nd.Name, verr)
		}
	}

	for _, ld := range td.Links {
		kind, err := elementKindFromStr(ld.Kind)
		if err != nil || (kind != InternalLink && kind != ExternalLink) {
			return nil, errors.Errorf("link %s: unknown kind %q", ld.Name, ld.Kind)
		}
		if _, err := topo.Connect(ld.Name, kind, ld.Delay, ld.NodeA, ld.PortA, ld.NodeB, ld.PortB); err != nil {
			return nil, errors.Wrapf(err, "link %s", ld.Name)
		}
	}

	for _, nd := range td.Nodes {
		if len(nd.Table) == 0 {
			continue
		}
		fn := forwarderOf(topo.Node(nd.Name))
		if fn == nil {
			return nil, errors.Errorf("node %s: only LER and LSR nodes take table entries", nd.Name)
		}
		for _, text := range nd.Table {
			if err := fn.AddTableEntry(text); err != nil {
				return nil, errors.Wrapf(err, "node %s", nd.Name)
			}
		}
	}

	for _, fd := range td.Flows {
		sndr, ok := topo.Node(fd.Sender).(*Sender)
		if !ok {
			return nil, errors.Errorf("flow %s: %s is not a sender", fd.Name, fd.Sender)
		}
		dst, err := resolveAddr(topo, fd.Dst)
		if err != nil {
			return nil, errors.Wrapf(err, "flow %s", fd.Name)
		}
		model := fd.Model
		if model == "" {
			model = "const"
		}
		flow := Flow{Name: fd.Name, Dst: dst, Rate: fd.Rate, PacketSize: fd.PacketSize,
			GoSLevel: fd.GoSLevel, Model: model, Start: fd.Start, Stop: fd.Stop}
		if err := sndr.AddFlow(flow); err != nil {
			return nil, err
		}
	}

	if problems := topo.Validate(); len(problems) > 0 {
		return nil, errors.Errorf("topology %s is not well configured: %v", td.Name, ValidationReport(problems))
	}
	if parts := topo.Partitions(); len(parts) > 1 {
		topo.Logger().Warn("topology is not connected", zap.Int("partitions", len(parts)))
	}
	return topo, nil
}

// forwarderOf returns the forwarding engine of an LER or LSR, or nil
func forwarderOf(node Node) *forwardingNode {
	switch nd := node.(type) {
	case *LER:
		return &nd.forwardingNode
	case *LSR:
		return &nd.forwardingNode
	}
	return nil
}

// resolveAddr reads a destination given as a node name or an address
func resolveAddr(topo *Topology, dst string) (netip.Addr, error) {
	if node := topo.Node(dst); node != nil {
		return node.IP(), nil
	}
	ip, err := netip.ParseAddr(dst)
	if err != nil {
		return netip.Addr{}, errors.Errorf("destination %q is neither a node nor an address", dst)
	}
	return ip, nil
}

// Simulation bundles a topology with the clock that drives it
type Simulation struct {
	Topo   *Topology
	Clock  *Clock
	events []LinkEventDesc
}

// BuildSimulation builds the topology of a description, registers it with a clock of the
// given step and schedules the link events of the description
func BuildSimulation(td *TopoDesc, step int64, sink EventSink, logger *zap.Logger) (*Simulation, error) {
	topo, err := BuildTopology(td, sink, logger)
	if err != nil {
		return nil, err
	}
	clk, err := CreateClock(step, topo.Logger())
	if err != nil {
		return nil, err
	}
	clk.RegisterTopology(topo)

	for _, ev := range td.Events {
		if topo.Link(ev.Link) == nil {
			return nil, errors.Errorf("event at %d names unknown link %s", ev.At, ev.Link)
		}
	}
	sim := &Simulation{Topo: topo, Clock: clk, events: slices.Clone(td.Events)}
	sim.scheduleEvents()
	return sim, nil
}

// scheduleEvents hands the link events to the clock
func (sim *Simulation) scheduleEvents() {
	for _, ev := range sim.events {
		linkName, broken := ev.Link, ev.Broken
		sim.Clock.ScheduleAction(ev.At, func() error {
			return sim.Topo.SetLinkBroken(linkName, broken)
		})
	}
}

// LoadSimulation reads a description file, yaml or json by its extension, and builds it
func LoadSimulation(filename string, step int64, sink EventSink, logger *zap.Logger) (*Simulation, error) {
	ext := path.Ext(filename)
	useYAML := (ext == ".yaml") || (ext == ".yml")
	td, err := ReadTopoDesc(filename, useYAML, nil)
	if err != nil {
		return nil, err
	}
	return BuildSimulation(td, step, sink, logger)
}

// Run advances the simulation until limit ns
func (sim *Simulation) Run(ctx context.Context, limit int64) error {
	return sim.Clock.Run(ctx, limit)
}

// Reset returns the simulation to its state before the first tick
func (sim *Simulation) Reset() {
	sim.Clock.ClearActions()
	sim.Clock.Reset()
	sim.Topo.Reset()
	sim.scheduleEvents()
}
