package mplsim

// net.go holds the Topology, the owner of every node and link of a simulation,
// and what the four node variants have in common.

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// ErrUnknownNode is returned when a name or address does not identify a node of the topology
var ErrUnknownNode = errors.New("unknown node")

// Node is what the four node variants offer the topology and the links
type Node interface {
	TopologyElement
	ID() int
	IP() netip.Addr
	Ports() *PortSet
	CongestionLevel() int
	attach(topo *Topology, id int)
}

// nodeState holds the attributes common to every node variant
type nodeState struct {
	elementState
	id    int
	ip    netip.Addr
	ports *PortSet
	topo  *Topology
}

// initNodeState fills in the identity of a node and creates its ports
func (ns *nodeState) initNodeState(name string, kind ElementKind, ip netip.Addr, numPorts, bufferMB int) {
	ns.initElementState(name, kind)
	ns.id = -1
	ns.ip = ip
	ns.ports = createPortSet(numPorts, bufferMB, &ns.elementState)
}

// ID returns the node identifier within its topology
func (ns *nodeState) ID() int {
	return ns.id
}

// IP returns the node address
func (ns *nodeState) IP() netip.Addr {
	return ns.ip
}

// Ports returns the port set of the node
func (ns *nodeState) Ports() *PortSet {
	return ns.ports
}

// CongestionLevel reports the buffer occupancy of the node in percent
func (ns *nodeState) CongestionLevel() int {
	return ns.ports.CongestionLevel()
}

// attach records the topology the node belongs to and the id it was given there
func (ns *nodeState) attach(topo *Topology, id int) {
	ns.topo = topo
	ns.id = id
	ns.alive = topo != nil
	if topo != nil {
		ns.setObservers(topo.sink, topo.logger)
	}
}

// validateNode applies the checks every node is subject to
func (ns *nodeState) validateNode() ValidationError {
	if verr := validateName(ns.name); verr != ConfigOK {
		return verr
	}
	if !ns.ip.IsValid() {
		return NoIP
	}
	if !ns.ip.Is4() {
		return InvalidIP
	}
	return ConfigOK
}

// portToward returns the port whose link leads to the node with address ip, or -1
func (ns *nodeState) portToward(ip netip.Addr) int {
	for idx := 0; idx < ns.ports.NumPorts(); idx++ {
		if peer := ns.ports.Port(idx).peer(); peer != nil && peer.IP() == ip {
			return idx
		}
	}
	return -1
}

// linkAt returns the link attached to port portID, or nil
func (ns *nodeState) linkAt(portID int) *Link {
	port := ns.ports.Port(portID)
	if port == nil {
		return nil
	}
	return port.link
}

// resetNode returns the ports and timing to their initial state
func (ns *nodeState) resetNode() {
	ns.ports.reset()
	ns.resetTime()
}

// Topology owns the nodes and links of a simulation
type Topology struct {
	Name string

	nodes []Node
	links []*Link

	nodeByName map[string]Node
	nodeByIP   map[netip.Addr]Node
	nodeByID   map[int]Node
	linkByName map[string]*Link

	nxtID  int
	pktIDs *IDGenerator
	portal *NetworkPortal

	sink   EventSink
	logger *zap.Logger

	routeMu sync.RWMutex
	routes  *routeTable
}

// CreateTopology is a constructor.  A nil sink discards events, a nil logger logs nothing.
func CreateTopology(name string, sink EventSink, logger *zap.Logger) *Topology {
	topo := new(Topology)
	topo.Name = name
	topo.nodes = make([]Node, 0)
	topo.links = make([]*Link, 0)
	topo.nodeByName = make(map[string]Node)
	topo.nodeByIP = make(map[netip.Addr]Node)
	topo.nodeByID = make(map[int]Node)
	topo.linkByName = make(map[string]*Link)
	topo.pktIDs = CreateIDGenerator(1, 0)
	topo.portal = CreateNetworkPortal()
	topo.sink = sink
	if logger == nil {
		logger = zap.NewNop()
	}
	topo.logger = logger
	return topo
}

// Logger returns the logger elements derive theirs from
func (topo *Topology) Logger() *zap.Logger {
	return topo.logger
}

// Portal returns the record of packets entering and leaving the network
func (topo *Topology) Portal() *NetworkPortal {
	return topo.portal
}

// SetPacketIDLimit bounds the packet identifiers the topology hands out
func (topo *Topology) SetPacketIDLimit(limit int64) {
	topo.pktIDs = CreateIDGenerator(1, limit)
}

// newPacketID hands out a packet identifier
func (topo *Topology) newPacketID() (int64, error) {
	return topo.pktIDs.Next()
}

// AddNode adds a node, giving it the next free id.  A node whose name or address is
// taken is refused and the reason returned.
func (topo *Topology) AddNode(node Node) ValidationError {
	if verr := validateName(node.Name()); verr != ConfigOK {
		return verr
	}
	if _, present := topo.nodeByName[node.Name()]; present {
		return DuplicatedName
	}
	if _, present := topo.linkByName[node.Name()]; present {
		return DuplicatedName
	}
	if !node.IP().IsValid() {
		return NoIP
	}
	if _, present := topo.nodeByIP[node.IP()]; present {
		return DuplicatedIP
	}
	id := topo.nxtID
	topo.nxtID += 1
	node.attach(topo, id)
	topo.nodes = append(topo.nodes, node)
	topo.nodeByName[node.Name()] = node
	topo.nodeByIP[node.IP()] = node
	topo.nodeByID[id] = node
	return ConfigOK
}

// RemoveNode takes a node out of the topology, along with the links attached to it
func (topo *Topology) RemoveNode(name string) error {
	node, present := topo.nodeByName[name]
	if !present {
		return errors.Wrap(ErrUnknownNode, name)
	}
	for _, link := range slices.Clone(topo.links) {
		for side := range link.ends {
			if link.ends[side].node == node {
				topo.RemoveLink(link.name)
				break
			}
		}
	}
	idx := slices.Index(topo.nodes, node)
	topo.nodes = slices.Delete(topo.nodes, idx, idx+1)
	delete(topo.nodeByName, name)
	delete(topo.nodeByIP, node.IP())
	delete(topo.nodeByID, node.ID())
	node.attach(nil, -1)
	topo.RefreshRoutes()
	return nil
}

// AddLink connects the link between two nodes of the topology and adds it
func (topo *Topology) AddLink(link *Link, nodeA string, portA int, nodeB string, portB int) (ValidationError, error) {
	if verr := validateName(link.Name()); verr != ConfigOK {
		return verr, nil
	}
	if _, present := topo.linkByName[link.Name()]; present {
		return DuplicatedName, nil
	}
	if _, present := topo.nodeByName[link.Name()]; present {
		return DuplicatedName, nil
	}
	na, present := topo.nodeByName[nodeA]
	if !present {
		return UnconnectedEnd, errors.Wrap(ErrUnknownNode, nodeA)
	}
	nb, present := topo.nodeByName[nodeB]
	if !present {
		return UnconnectedEnd, errors.Wrap(ErrUnknownNode, nodeB)
	}
	if err := link.Connect(na, portA, nb, portB); err != nil {
		return UnconnectedEnd, err
	}
	link.id = topo.nxtID
	topo.nxtID += 1
	link.alive = true
	link.setObservers(topo.sink, topo.logger)
	topo.links = append(topo.links, link)
	topo.linkByName[link.Name()] = link
	topo.RefreshRoutes()
	return ConfigOK, nil
}

// Connect creates a link of the given kind and delay and adds it between the named nodes
func (topo *Topology) Connect(name string, kind ElementKind, delay int64,
	nodeA string, portA int, nodeB string, portB int) (*Link, error) {

	link := CreateLink(name, kind, delay)
	verr, err := topo.AddLink(link, nodeA, portA, nodeB, portB)
	if err != nil {
		return nil, err
	}
	if verr != ConfigOK {
		return nil, errors.Errorf("link %s: %s", name, verr)
	}
	return link, nil
}

// AddLinkRecord rebuilds a link from its '#' record and adds it
func (topo *Topology) AddLinkRecord(record string) (*Link, error) {
	link := CreateLink("", InternalLink, 0)
	if err := link.UnMarshall(record); err != nil {
		return nil, err
	}
	ends := link.ends
	verr, err := topo.AddLink(link, ends[0].nodeName, ends[0].portID, ends[1].nodeName, ends[1].portID)
	if err != nil {
		return nil, err
	}
	if verr != ConfigOK {
		return nil, errors.Errorf("link record %q: %s", record, verr)
	}
	return link, nil
}

// RemoveLink disconnects a link and takes it out of the topology
func (topo *Topology) RemoveLink(name string) {
	link, present := topo.linkByName[name]
	if !present {
		return
	}
	link.Disconnect()
	link.alive = false
	idx := slices.Index(topo.links, link)
	topo.links = slices.Delete(topo.links, idx, idx+1)
	delete(topo.linkByName, name)
	topo.RefreshRoutes()
}

// Node returns the node with the given name, or nil
func (topo *Topology) Node(name string) Node {
	return topo.nodeByName[name]
}

// NodeByIP returns the node with the given address, or nil
func (topo *Topology) NodeByIP(ip netip.Addr) Node {
	return topo.nodeByIP[ip]
}

// NodeByID returns the node with the given id, or nil
func (topo *Topology) NodeByID(id int) Node {
	return topo.nodeByID[id]
}

// Link returns the link with the given name, or nil
func (topo *Topology) Link(name string) *Link {
	return topo.linkByName[name]
}

// Nodes lists the nodes in the order they were added
func (topo *Topology) Nodes() []Node {
	return slices.Clone(topo.nodes)
}

// Links lists the links in the order they were added
func (topo *Topology) Links() []*Link {
	return slices.Clone(topo.links)
}

// Elements lists every node, then every link
func (topo *Topology) Elements() []TopologyElement {
	rtn := make([]TopologyElement, 0, len(topo.nodes)+len(topo.links))
	for _, node := range topo.nodes {
		rtn = append(rtn, node)
	}
	for _, link := range topo.links {
		rtn = append(rtn, link)
	}
	return rtn
}

// Validate checks every element and returns the problems found, by element name
func (topo *Topology) Validate() map[string]ValidationError {
	problems := make(map[string]ValidationError)
	for _, elm := range topo.Elements() {
		if verr := elm.Validate(); verr != ConfigOK {
			problems[elm.Name()] = verr
		}
	}
	return problems
}

// ValidationReport lists the problems Validate found, sorted by element name
func ValidationReport(problems map[string]ValidationError) []string {
	names := make([]string, 0, len(problems))
	for name := range problems {
		names = append(names, name)
	}
	sort.Strings(names)
	rtn := make([]string, 0, len(names))
	for _, name := range names {
		rtn = append(rtn, name+": "+problems[name].String())
	}
	return rtn
}

// Reset returns every element to its state before the first tick
func (topo *Topology) Reset() {
	for _, elm := range topo.Elements() {
		elm.Reset()
	}
	topo.pktIDs.Reset()
	topo.portal.Reset()
	topo.RefreshRoutes()
	topo.logger.Debug("topology reset", zap.String("topology", topo.Name))
}

// SetLinkBroken breaks or repairs the named link and recomputes routes
func (topo *Topology) SetLinkBroken(name string, broken bool) error {
	link := topo.Link(name)
	if link == nil {
		return errors.Errorf("unknown link %s", name)
	}
	link.SetBroken(broken)
	topo.RefreshRoutes()
	return nil
}
