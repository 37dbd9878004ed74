package mplsim

// desc-topo.go holds the serializable description of a simulation: the nodes, the
// links joining them, the traffic flows and the scheduled link events.  A TopoFrame
// is a convenience for building a description in code; it hands out ports as links
// are added and transforms into the TopoDesc that is written to and read from file.
// The file also holds the helpers behind the '#' records of Marshall and UnMarshall.

import (
	"encoding/json"
	"net/netip"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// NodeDesc describes one node.  Router fields left at their zero value take the
// default of the node's role
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
	IP   string `json:"ip" yaml:"ip"`

	NumPorts     int   `json:"numports,omitempty" yaml:"numports,omitempty"`
	Capacity     int   `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	BufferMB     int   `json:"buffermb,omitempty" yaml:"buffermb,omitempty"`
	PHP          *bool `json:"php,omitempty" yaml:"php,omitempty"`
	RFC4950      *bool `json:"rfc4950,omitempty" yaml:"rfc4950,omitempty"`
	PropagateTTL *bool `json:"propagatettl,omitempty" yaml:"propagatettl,omitempty"`
	LDP          *bool `json:"ldp,omitempty" yaml:"ldp,omitempty"`
	Congested    bool  `json:"congested,omitempty" yaml:"congested,omitempty"`

	// static switching table entries, in the PUSH/SWAP/POP/ROUTE text form
	Table []string `json:"table,omitempty" yaml:"table,omitempty"`
}

// LinkDesc describes one link
type LinkDesc struct {
	Name  string `json:"name" yaml:"name"`
	Kind  string `json:"kind" yaml:"kind"`
	NodeA string `json:"nodea" yaml:"nodea"`
	PortA int    `json:"porta" yaml:"porta"`
	NodeB string `json:"nodeb" yaml:"nodeb"`
	PortB int    `json:"portb" yaml:"portb"`
	Delay int64  `json:"delay" yaml:"delay"` // ns
}

// FlowDesc describes a traffic flow offered by a sender.  Dst names a node or gives an address
type FlowDesc struct {
	Name       string  `json:"name" yaml:"name"`
	Sender     string  `json:"sender" yaml:"sender"`
	Dst        string  `json:"dst" yaml:"dst"`
	Rate       float64 `json:"rate" yaml:"rate"` // Mb/s
	PacketSize int     `json:"packetsize" yaml:"packetsize"`
	GoSLevel   int     `json:"gos,omitempty" yaml:"gos,omitempty"`
	Model      string  `json:"model,omitempty" yaml:"model,omitempty"`
	Start      int64   `json:"start,omitempty" yaml:"start,omitempty"`
	Stop       int64   `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// LinkEventDesc breaks or recovers a link at a point in simulation time
type LinkEventDesc struct {
	Link   string `json:"link" yaml:"link"`
	At     int64  `json:"at" yaml:"at"` // ns
	Broken bool   `json:"broken" yaml:"broken"`
}

// TopoDesc is the serializable description of a simulation
type TopoDesc struct {
	Name   string          `json:"name" yaml:"name"`
	Nodes  []NodeDesc      `json:"nodes" yaml:"nodes"`
	Links  []LinkDesc      `json:"links" yaml:"links"`
	Flows  []FlowDesc      `json:"flows,omitempty" yaml:"flows,omitempty"`
	Events []LinkEventDesc `json:"events,omitempty" yaml:"events,omitempty"`
}

// WriteToFile stores the description to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	var bytes []byte
	var merr error

	switch strings.ToLower(path.Ext(filename)) {
	case ".yaml", ".yml":
		bytes, merr = yaml.Marshal(*td)
	case ".json":
		bytes, merr = json.MarshalIndent(*td, "", "\t")
	default:
		return errors.Errorf("topology file %s: extension must be .yaml, .yml or .json", filename)
	}
	if merr != nil {
		return errors.Wrap(merr, "serializing topology")
	}
	if err := os.WriteFile(filename, bytes, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", filename)
	}
	return nil
}

// ReadTopoDesc deserializes a byte slice holding a representation of a TopoDesc.
// If dict is empty, the file whose name is given is read to acquire them.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", filename)
		}
	}

	example := TopoDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing topology %s", filename)
	}
	return &example, nil
}

// TopoFrame accumulates the pieces of a TopoDesc, allocating ports as links are added
type TopoFrame struct {
	Name     string
	nodes    []*NodeDesc
	links    []LinkDesc
	flows    []FlowDesc
	events   []LinkEventDesc
	nxtPort  map[string]int
	nodeByNm map[string]*NodeDesc
}

// CreateTopoFrame is a constructor
func CreateTopoFrame(name string) *TopoFrame {
	tf := new(TopoFrame)
	tf.Name = name
	tf.nodes = make([]*NodeDesc, 0)
	tf.links = make([]LinkDesc, 0)
	tf.flows = make([]FlowDesc, 0)
	tf.events = make([]LinkEventDesc, 0)
	tf.nxtPort = make(map[string]int)
	tf.nodeByNm = make(map[string]*NodeDesc)
	return tf
}

// AddNode adds a node of the named kind and returns its description, which the caller
// may refine.  A name already present is an error
func (tf *TopoFrame) AddNode(kind ElementKind, name, ip string) (*NodeDesc, error) {
	if !kind.isNode() {
		return nil, errors.Errorf("%s is not a node kind", kind)
	}
	if _, present := tf.nodeByNm[name]; present {
		return nil, errors.Errorf("node %s already in frame %s", name, tf.Name)
	}
	nd := &NodeDesc{Name: name, Kind: kind.String(), IP: ip}
	tf.nodes = append(tf.nodes, nd)
	tf.nodeByNm[name] = nd
	tf.nxtPort[name] = 0
	return nd, nil
}

// Connect adds a link between two nodes of the frame on the next unused port of each
func (tf *TopoFrame) Connect(name string, kind ElementKind, nodeA, nodeB string, delay int64) error {
	if kind != InternalLink && kind != ExternalLink {
		return errors.Errorf("%s is not a link kind", kind)
	}
	for _, nm := range []string{nodeA, nodeB} {
		if _, present := tf.nodeByNm[nm]; !present {
			return errors.Wrapf(ErrUnknownNode, "link %s end %s", name, nm)
		}
	}
	ld := LinkDesc{Name: name, Kind: kind.String(), NodeA: nodeA, PortA: tf.nxtPort[nodeA],
		NodeB: nodeB, PortB: tf.nxtPort[nodeB], Delay: delay}
	tf.nxtPort[nodeA] += 1
	tf.nxtPort[nodeB] += 1
	tf.links = append(tf.links, ld)
	return nil
}

// AddFlow adds a traffic flow
func (tf *TopoFrame) AddFlow(flow FlowDesc) {
	tf.flows = append(tf.flows, flow)
}

// AddLinkEvent schedules a link to break or recover
func (tf *TopoFrame) AddLinkEvent(link string, at int64, broken bool) {
	tf.events = append(tf.events, LinkEventDesc{Link: link, At: at, Broken: broken})
}

// Transform produces the serializable description of the frame
func (tf *TopoFrame) Transform() TopoDesc {
	td := TopoDesc{Name: tf.Name}
	td.Nodes = make([]NodeDesc, 0, len(tf.nodes))
	for _, nd := range tf.nodes {
		cp := *nd
		cp.Table = slices.Clone(nd.Table)
		td.Nodes = append(td.Nodes, cp)
	}
	td.Links = slices.Clone(tf.links)
	td.Flows = slices.Clone(tf.flows)
	td.Events = slices.Clone(tf.events)
	slices.SortStableFunc(td.Events, func(a, b LinkEventDesc) int {
		switch {
		case a.At < b.At:
			return -1
		case a.At > b.At:
			return 1
		}
		return 0
	})
	return td
}

// joinRecord builds a '#' record, "#f0#f1#...#"
func joinRecord(fields ...string) string {
	return "#" + strings.Join(fields, "#") + "#"
}

// splitRecord takes a '#' record apart, requiring exactly n fields
func splitRecord(record string, n int) ([]string, error) {
	record = strings.TrimSpace(record)
	if len(record) < 2 || !strings.HasPrefix(record, "#") || !strings.HasSuffix(record, "#") {
		return nil, errors.Errorf("record %q is not delimited by '#'", record)
	}
	fields := strings.Split(record[1:len(record)-1], "#")
	if len(fields) != n {
		return nil, errors.Errorf("record %q has %d fields, expected %d", record, len(fields), n)
	}
	return fields, nil
}

// recordReader converts the fields of a record in order.  The first conversion that
// fails is kept in err and later reads return zero values
type recordReader struct {
	fields []string
	err    error
}

func (rd *recordReader) next() (string, bool) {
	if rd.err != nil {
		return "", false
	}
	if len(rd.fields) == 0 {
		rd.err = errors.New("record too short")
		return "", false
	}
	field := rd.fields[0]
	rd.fields = rd.fields[1:]
	return field, true
}

func (rd *recordReader) str() string {
	field, _ := rd.next()
	return field
}

func (rd *recordReader) int() int {
	field, ok := rd.next()
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(field)
	if err != nil {
		rd.err = errors.Wrapf(err, "field %q", field)
	}
	return val
}

func (rd *recordReader) int64() int64 {
	field, ok := rd.next()
	if !ok {
		return 0
	}
	val, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		rd.err = errors.Wrapf(err, "field %q", field)
	}
	return val
}

func (rd *recordReader) bool() bool {
	field, ok := rd.next()
	if !ok {
		return false
	}
	val, err := strconv.ParseBool(field)
	if err != nil {
		rd.err = errors.Wrapf(err, "field %q", field)
	}
	return val
}

func (rd *recordReader) addr() netip.Addr {
	field, ok := rd.next()
	if !ok {
		return netip.Addr{}
	}
	val, err := netip.ParseAddr(field)
	if err != nil {
		rd.err = errors.Wrapf(err, "field %q", field)
	}
	return val
}
