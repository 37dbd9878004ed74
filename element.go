package mplsim

// element.go defines what every participant of a simulation tick shares, be it
// a node or a link, and the validation codes reported for their configuration.

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ElementKind is the base type for an enumerated type of topology elements
type ElementKind int

const (
	SenderNode ElementKind = iota
	ReceiverNode
	LERNode
	LSRNode
	InternalLink
	ExternalLink
)

var elmKindToStr map[ElementKind]string = map[ElementKind]string{SenderNode: "Sender", ReceiverNode: "Receiver",
	LERNode: "LER", LSRNode: "LSR", InternalLink: "InternalLink", ExternalLink: "ExternalLink"}

var elmKindFromStr map[string]ElementKind = map[string]ElementKind{"Sender": SenderNode, "sender": SenderNode,
	"Receiver": ReceiverNode, "receiver": ReceiverNode, "LER": LERNode, "ler": LERNode, "LSR": LSRNode, "lsr": LSRNode,
	"InternalLink": InternalLink, "internal": InternalLink, "ExternalLink": ExternalLink, "external": ExternalLink}

func (ek ElementKind) String() string {
	str, present := elmKindToStr[ek]
	if !present {
		return "Unknown"
	}
	return str
}

// elementKindFromStr turns the textual name of an element kind into the ElementKind
func elementKindFromStr(str string) (ElementKind, error) {
	ek, present := elmKindFromStr[strings.TrimSpace(str)]
	if !present {
		return 0, errors.Errorf("unknown element kind %q", str)
	}
	return ek, nil
}

// isNode is true for the four node kinds
func (ek ElementKind) isNode() bool {
	return ek == SenderNode || ek == ReceiverNode || ek == LERNode || ek == LSRNode
}

// isMPLS is true for the node kinds that switch labels
func (ek ElementKind) isMPLS() bool {
	return ek == LERNode || ek == LSRNode
}

// ValidationError is the result of checking the configuration of an element.
// The same codes apply to every node and link variant.
type ValidationError int

const (
	ConfigOK ValidationError = iota
	NoName
	OnlySpaces
	NoIP
	InvalidIP
	DuplicatedName
	DuplicatedIP
	InvalidCapacity
	InvalidBufferSize
	InvalidDelay
	UnconnectedEnd
	InvalidTableEntry
)

var valErrToStr map[ValidationError]string = map[ValidationError]string{ConfigOK: "ok", NoName: "no name",
	OnlySpaces: "name holds only spaces", NoIP: "no IP address", InvalidIP: "malformed IP address",
	DuplicatedName: "duplicated name", DuplicatedIP: "duplicated IP address",
	InvalidCapacity: "switching capacity out of range", InvalidBufferSize: "buffer size out of range",
	InvalidDelay: "link delay out of range", UnconnectedEnd: "link end not connected",
	InvalidTableEntry: "malformed switching table entry"}

func (ve ValidationError) String() string {
	str, present := valErrToStr[ve]
	if !present {
		return "unknown"
	}
	return str
}

// validateName applies the checks every element name is subject to
func validateName(name string) ValidationError {
	if len(name) == 0 {
		return NoName
	}
	if len(strings.TrimSpace(name)) == 0 {
		return OnlySpaces
	}
	return ConfigOK
}

// TopologyElement is what the Clock drives. ReceiveTick is called for every element
// before any RunTick of that tick starts, and RunTick is called once per tick on
// a goroutine of its own.
type TopologyElement interface {
	Name() string
	Kind() ElementKind
	ReceiveTick(step, upperLimit int64)
	RunTick() error
	Reset()
	IsWellConfigured() bool
	IsAlive() bool
	Validate() ValidationError
	Marshall() string
	UnMarshall(record string) error
}

// elementState holds the attributes common to nodes and links
type elementState struct {
	name string
	kind ElementKind

	// nanoseconds of work the element may still do, carried over between ticks
	availableTime int64

	// duration of the current tick, ns
	stepDuration int64

	// upper limit of the current tick, ns
	timeInstant int64

	// set by Validate
	wellConfigured bool

	// false once the element has been taken out of its topology
	alive bool

	sink   EventSink
	logger *zap.Logger
}

// initElementState fills in the fields an element has from construction on
func (es *elementState) initElementState(name string, kind ElementKind) {
	es.name = name
	es.kind = kind
	es.alive = true
	es.logger = zap.NewNop()
}

// Name returns the element name
func (es *elementState) Name() string {
	return es.name
}

// Kind returns the element kind
func (es *elementState) Kind() ElementKind {
	return es.kind
}

// TimeInstant is the upper limit of the most recent tick the element received
func (es *elementState) TimeInstant() int64 {
	return es.timeInstant
}

// IsAlive is false once the element has been taken out of its topology.  The
// clock delivers no ticks to it
func (es *elementState) IsAlive() bool {
	return es.alive
}

// IsWellConfigured reports the result of the last validation
func (es *elementState) IsWellConfigured() bool {
	return es.wellConfigured
}

// ReceiveTick records the step and instant and grants the step to the time budget
func (es *elementState) ReceiveTick(step, upperLimit int64) {
	es.stepDuration = step
	es.timeInstant = upperLimit
	es.availableTime += step
}

// resetTime clears everything a tick has put into the element state
func (es *elementState) resetTime() {
	es.availableTime = 0
	es.stepDuration = 0
	es.timeInstant = 0
}

// setObservers attaches the event sink and derives the element logger
func (es *elementState) setObservers(sink EventSink, logger *zap.Logger) {
	es.sink = sink
	if logger == nil {
		logger = zap.NewNop()
	}
	es.logger = logger.With(zap.String("element", es.name), zap.Stringer("kind", es.kind))
}

// emit hands an event to the sink, if there is one
func (es *elementState) emit(kind EventKind, pkt *Packet, detail string) {
	if es.sink == nil {
		return
	}
	ev := SimEvent{Kind: kind, Element: es.name, ElementKind: es.kind, Instant: es.timeInstant, Detail: detail}
	if pkt != nil {
		ev.PacketID = pkt.ID
		ev.Subtype = pkt.Subtype
		ev.HasPacket = true
	}
	es.sink.Emit(ev)
}
