package mplsim

// trace.go holds the event sink abstraction and the TraceManager, the sink that
// gathers simulation events in memory and writes them out after a run.

import (
	"encoding/json"
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EventKind is the base type for an enumerated type of simulation events
type EventKind int

const (
	PacketGenerated EventKind = iota
	PacketReceived
	PacketRouted
	PacketSwitched
	PacketDiscarded
	PacketOnFly
	LinkBroken
	LinkRecovered
	NodeCongested
	LSPEstablished
	LSPRemoved
)

var evtKindToStr map[EventKind]string = map[EventKind]string{PacketGenerated: "generated",
	PacketReceived: "received", PacketRouted: "routed", PacketSwitched: "switched", PacketDiscarded: "discarded",
	PacketOnFly: "onfly", LinkBroken: "linkbroken", LinkRecovered: "linkrecovered", NodeCongested: "congested",
	LSPEstablished: "lspestablished", LSPRemoved: "lspremoved"}

func (ek EventKind) String() string {
	str, present := evtKindToStr[ek]
	if !present {
		return "unknown"
	}
	return str
}

// SimEvent is one observation of the simulation: what happened, where, and when
type SimEvent struct {
	Kind        EventKind
	Element     string      // name of the element reporting the event
	ElementKind ElementKind // kind of that element
	Instant     int64       // upper limit of the tick in which the event happened, ns
	HasPacket   bool        // true if PacketID and Subtype are meaningful
	PacketID    int64
	Subtype     Subtype
	Detail      string // free text, e.g. the reason for a discard
}

// EventSink receives simulation events.  Emit is called from the goroutines of
// every element within a tick, so implementations must be safe for concurrent
// use and must not block.
type EventSink interface {
	Emit(ev SimEvent)
}

// MultiSink fans every event out to a list of sinks
type MultiSink []EventSink

// Emit passes ev to every sink on the list
func (ms MultiSink) Emit(ev SimEvent) {
	for _, sink := range ms {
		if sink != nil {
			sink.Emit(ev)
		}
	}
}

// TraceInst is the serializable form of a SimEvent
type TraceInst struct {
	Instant  int64  `json:"instant" yaml:"instant"`
	Kind     string `json:"kind" yaml:"kind"`
	Element  string `json:"element" yaml:"element"`
	PacketID int64  `json:"packetid,omitempty" yaml:"packetid,omitempty"`
	Subtype  string `json:"subtype,omitempty" yaml:"subtype,omitempty"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps element names to their kind
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers the events of a simulation run.  It is an EventSink.
type TraceManager struct {
	mu sync.Mutex

	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// name and kind of every element, by element id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, in the order they were emitted
	Traces []TraceInst `json:"traces" yaml:"traces"`

	// events seen per kind, kept even when the records themselves are not
	counts map[EventKind]int
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager keeps trace records.  Event
// counts are kept either way.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make([]TraceInst, 0)
	tm.counts = make(map[EventKind]int)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, present := tm.NameByID[id]; present {
		return errors.Errorf("duplicated id %d in AddName", id)
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	return nil
}

// Emit records the event
func (tm *TraceManager) Emit(ev SimEvent) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.counts[ev.Kind] += 1
	if !tm.InUse {
		return
	}
	trc := TraceInst{Instant: ev.Instant, Kind: ev.Kind.String(), Element: ev.Element, Detail: ev.Detail}
	if ev.HasPacket {
		trc.PacketID = ev.PacketID
		trc.Subtype = ev.Subtype.String()
	}
	tm.Traces = append(tm.Traces, trc)
}

// Count returns the number of events of the given kind seen so far
func (tm *TraceManager) Count(kind EventKind) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.counts[kind]
}

// Records returns a copy of the trace records whose kind is one of kinds,
// or of all records if kinds is empty
func (tm *TraceManager) Records(kinds ...EventKind) []TraceInst {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	want := make(map[string]bool)
	for _, kind := range kinds {
		want[kind.String()] = true
	}
	rtn := make([]TraceInst, 0)
	for _, trc := range tm.Traces {
		if len(want) == 0 || want[trc.Kind] {
			rtn = append(rtn, trc)
		}
	}
	return rtn
}

// Clear forgets every record and count, keeping the name dictionary
func (tm *TraceManager) Clear() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.Traces = make([]TraceInst, 0)
	tm.counts = make(map[EventKind]int)
}

// WriteToFile stores the trace to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.InUse {
		return nil
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(tm, "", "\t")
	} else {
		return errors.Errorf("trace file %s needs a .yaml or .json extension", filename)
	}

	if merr != nil {
		return errors.Wrap(merr, "serializing trace")
	}
	return errors.Wrap(os.WriteFile(filename, bytes, 0o644), "writing trace")
}

// ReadTraceManager deserializes a trace written by WriteToFile
func ReadTraceManager(filename string, useYAML bool, dict []byte) (*TraceManager, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	tm := CreateTraceManager("", true)
	if useYAML {
		err = yaml.Unmarshal(dict, tm)
	} else {
		err = json.Unmarshal(dict, tm)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading trace %s", filename)
	}
	return tm, nil
}
