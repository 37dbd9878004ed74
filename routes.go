package mplsim

// routes.go provides shortest path routes through the topology.
//
// The topology is converted into a weighted undirected graph of the gonum graph
// package, one graph node per topology node and one edge per unbroken link, the
// edge weight being the link's Weight.  Parallel links between the same two
// nodes collapse into the lightest one.  The Dijkstra algorithm computes the
// tree of shortest paths rooted in a node; we compute one for every node when
// the routes are refreshed and keep them until the next refresh, so a node
// asking for a next hop during a tick only reads.
//
// Routes are refreshed when the topology changes shape and at the start of every
// tick, so that link weights follow the load.

import (
	"math"
	"net/netip"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	gtopo "gonum.org/v1/gonum/graph/topo"
	"golang.org/x/exp/slices"
)

// nodePair identifies an unordered pair of nodes by id, smaller id first
type nodePair struct {
	a, b int
}

func makeNodePair(a, b int) nodePair {
	if a > b {
		a, b = b, a
	}
	return nodePair{a: a, b: b}
}

// routeTable is the route state computed by a refresh
type routeTable struct {
	connGraph *simple.WeightedUndirectedGraph

	// lightest unbroken link between each connected pair
	linkBetween map[nodePair]*Link

	// shortest path tree rooted at each node, by node id
	trees map[int]path.Shortest
}

// buildRouteTable computes the route state of the topology as it is now
func buildRouteTable(topo *Topology) *routeTable {
	rt := new(routeTable)
	rt.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	rt.linkBetween = make(map[nodePair]*Link)
	rt.trees = make(map[int]path.Shortest)

	for _, node := range topo.nodes {
		rt.connGraph.AddNode(simple.Node(node.ID()))
	}

	weights := make(map[nodePair]float64)
	for _, link := range topo.links {
		na, nb := link.ends[0].node, link.ends[1].node
		if na == nil || nb == nil || na == nb || link.IsBroken() {
			continue
		}
		pair := makeNodePair(na.ID(), nb.ID())
		weight := link.Weight()
		if best, present := weights[pair]; present && best <= weight {
			continue
		}
		weights[pair] = weight
		rt.linkBetween[pair] = link
	}
	for pair, weight := range weights {
		rt.connGraph.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(pair.a), T: simple.Node(pair.b), W: weight})
	}

	for _, node := range topo.nodes {
		rt.trees[node.ID()] = path.DijkstraFrom(simple.Node(node.ID()), rt.connGraph)
	}
	return rt
}

// RefreshRoutes recomputes every route from the current link weights
func (topo *Topology) RefreshRoutes() {
	rt := buildRouteTable(topo)
	topo.routeMu.Lock()
	topo.routes = rt
	topo.routeMu.Unlock()
}

// routeTbl returns the most recent route state
func (topo *Topology) routeTbl() *routeTable {
	topo.routeMu.RLock()
	defer topo.routeMu.RUnlock()
	return topo.routes
}

// pathIDs returns the ids of the nodes on the shortest path from src to dst, inclusive,
// or nil if dst cannot be reached
func (topo *Topology) pathIDs(src, dst int) []int {
	rt := topo.routeTbl()
	if rt == nil {
		return nil
	}
	spTree, present := rt.trees[src]
	if !present {
		return nil
	}
	nodes, weight := spTree.To(int64(dst))
	if len(nodes) == 0 || math.IsInf(weight, 1) {
		return nil
	}
	return convertNodeSeq(nodes)
}

// convertNodeSeq extracts the node ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// nextHop returns the port of node from that leads toward the node holding address dst,
// and the neighbor on the other side.  ok is false when there is no route.
func (topo *Topology) nextHop(from Node, dst netip.Addr) (portID int, next Node, ok bool) {
	target := topo.NodeByIP(dst)
	if target == nil || target == from {
		return -1, nil, false
	}
	ids := topo.pathIDs(from.ID(), target.ID())
	if len(ids) < 2 {
		return -1, nil, false
	}
	next = topo.NodeByID(ids[1])
	link := topo.routeTbl().linkBetween[makeNodePair(from.ID(), ids[1])]
	if next == nil || link == nil {
		return -1, nil, false
	}
	for _, end := range link.ends {
		if end.node == from {
			return end.portID, next, true
		}
	}
	return -1, nil, false
}

// Route returns the names of the nodes on the current shortest path between two named nodes,
// joined by commas, or an empty string if there is none
func (topo *Topology) Route(src, dst string) string {
	srcNode, dstNode := topo.Node(src), topo.Node(dst)
	if srcNode == nil || dstNode == nil {
		return ""
	}
	ids := topo.pathIDs(srcNode.ID(), dstNode.ID())
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, topo.NodeByID(id).Name())
	}
	return strings.Join(names, ",")
}

// outsideDomain is true when the hop from a node through the given port leaves the MPLS domain
func outsideDomain(link *Link, next Node) bool {
	if next == nil || !next.Kind().isMPLS() {
		return true
	}
	return link != nil && link.kind == ExternalLink
}

// isEgressFor is true if node is the last MPLS node on the way to dst
func (topo *Topology) isEgressFor(node Node, dst netip.Addr) bool {
	if node.IP() == dst {
		return true
	}
	portID, next, ok := topo.nextHop(node, dst)
	if !ok {
		return false
	}
	return outsideDomain(node.Ports().Port(portID).Link(), next)
}

// Partitions returns the names of the nodes of each connected part of the topology,
// over unbroken links.  A fully connected topology has one partition
func (topo *Topology) Partitions() [][]string {
	rt := topo.routeTbl()
	if rt == nil {
		return nil
	}
	parts := make([][]string, 0)
	for _, comp := range gtopo.ConnectedComponents(rt.connGraph) {
		names := make([]string, 0, len(comp))
		for _, id := range convertNodeSeq(comp) {
			names = append(names, topo.NodeByID(id).Name())
		}
		slices.Sort(names)
		parts = append(parts, names)
	}
	slices.SortFunc(parts, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})
	return parts
}
