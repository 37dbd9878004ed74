package mplsim

// matrix.go holds the switching matrix of an MPLS node: the table of entries that
// tell the node what to do with a packet of a given FEC or incoming label, and
// the state of the TLDP exchange that fills each entry in.

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go4.org/netipx"
	"golang.org/x/exp/slices"
)

// Values of outgoingLabel that are states rather than labels
const (
	UndefinedLabel   = -1
	LabelRequested   = -2
	LabelAssigned    = -3
	LabelUnavailable = -4
	RemovingLabel    = -5
)

var lblStateToStr map[int]string = map[int]string{UndefinedLabel: "UNDEFINED", LabelRequested: "LABEL_REQUESTED",
	LabelAssigned: "LABEL_ASSIGNED", LabelUnavailable: "LABEL_UNAVAILABLE", RemovingLabel: "REMOVING_LABEL"}

// labelStateStr renders an outgoing label, naming the sentinel states
func labelStateStr(lbl int) string {
	str, present := lblStateToStr[lbl]
	if present {
		return str
	}
	return strconv.Itoa(lbl)
}

const (
	// TLDPTimeout is how long, in ns, an entry waits for a TLDP answer before resending
	TLDPTimeout int64 = 50000

	// TLDPAttempts is how many times a TLDP request is resent before the entry is given up
	TLDPAttempts = 8
)

// EntryType says whether an entry is keyed by FEC or by incoming label
type EntryType int

const (
	FECEntry EntryType = iota
	LabelEntry
)

func (et EntryType) String() string {
	if et == FECEntry {
		return "FEC_ENTRY"
	}
	return "LABEL_ENTRY"
}

// LabelOperation is what an entry does to the label stack of a matching packet
type LabelOperation int

const (
	OpUndefined LabelOperation = iota
	OpPush
	OpPop
	OpSwap
	OpNoop
)

var lblOpToStr map[LabelOperation]string = map[LabelOperation]string{OpUndefined: "UNDEFINED", OpPush: "PUSH",
	OpPop: "POP", OpSwap: "SWAP", OpNoop: "NOOP"}

func (op LabelOperation) String() string {
	str, present := lblOpToStr[op]
	if !present {
		return "UNDEFINED"
	}
	return str
}

// SwitchingMatrixEntry is one forwarding-state record
type SwitchingMatrixEntry struct {
	// FEC (a destination address as an integer) or incoming label, per Type
	LabelOrFEC int
	Type       EntryType

	// real label, or one of the sentinel states
	OutgoingLabel int
	Operation     LabelOperation

	IncomingPortID int
	OutgoingPortID int

	// session id the upstream neighbor gave the exchange, and the one this node gave it
	UpstreamSessionID int
	LocalSessionID    int

	TailEnd netip.Addr
	Backup  bool

	// destinations a FEC entry covers; dynamic entries cover a single host
	Prefix netip.Prefix

	// next hop named by a static FEC entry
	NextHop netip.Addr

	// seeded from the configuration rather than signaled
	Static bool

	attempts int
	timeout  int64

	// ports still to confirm a withdrawal
	pendingRemoval []int

	// whether the LSP counter of the outgoing link counts this entry
	lspCounted bool

	// whether the outgoing label was ever requested, for entries that ended up with a real label
	requested bool
}

// createFECEntry is a constructor for an entry classifying traffic toward dst
func createFECEntry(dst netip.Addr) *SwitchingMatrixEntry {
	entry := new(SwitchingMatrixEntry)
	entry.Type = FECEntry
	entry.LabelOrFEC = addrToInt(dst)
	entry.Prefix = netip.PrefixFrom(dst, dst.BitLen())
	entry.TailEnd = dst
	entry.OutgoingLabel = UndefinedLabel
	entry.IncomingPortID = -1
	entry.OutgoingPortID = -1
	entry.UpstreamSessionID = -1
	entry.LocalSessionID = -1
	return entry
}

// createLabelEntry is a constructor for an entry that will match an incoming label
func createLabelEntry() *SwitchingMatrixEntry {
	entry := new(SwitchingMatrixEntry)
	entry.Type = LabelEntry
	entry.LabelOrFEC = UndefinedLabel
	entry.OutgoingLabel = UndefinedLabel
	entry.IncomingPortID = -1
	entry.OutgoingPortID = -1
	entry.UpstreamSessionID = -1
	entry.LocalSessionID = -1
	return entry
}

// String renders the entry for logs
func (entry *SwitchingMatrixEntry) String() string {
	return fmt.Sprintf("%s key=%d out=%s op=%s in=%d outport=%d up=%d local=%d", entry.Type, entry.LabelOrFEC,
		labelStateStr(entry.OutgoingLabel), entry.Operation, entry.IncomingPortID, entry.OutgoingPortID,
		entry.UpstreamSessionID, entry.LocalSessionID)
}

// IsAssigned is true once the entry can forward traffic
func (entry *SwitchingMatrixEntry) IsAssigned() bool {
	return entry.OutgoingLabel >= 0 || entry.OutgoingLabel == LabelAssigned
}

// isTransit is true for an entry created on request of an upstream neighbor
func (entry *SwitchingMatrixEntry) isTransit() bool {
	return entry.Type == LabelEntry && entry.UpstreamSessionID >= 0
}

// armTimer gives the entry a fresh timeout and a full set of attempts
func (entry *SwitchingMatrixEntry) armTimer() {
	entry.attempts = TLDPAttempts
	entry.timeout = TLDPTimeout
}

// countDown takes step off the timeout and reports whether it has expired
func (entry *SwitchingMatrixEntry) countDown(step int64) bool {
	entry.timeout -= step
	return entry.timeout <= 0
}

// Attempts returns the resends the entry has left
func (entry *SwitchingMatrixEntry) Attempts() int {
	return entry.attempts
}

// confirmRemoval strikes portID from the ports a withdrawal waits for and reports
// whether any remain
func (entry *SwitchingMatrixEntry) confirmRemoval(portID int) bool {
	if idx := slices.Index(entry.pendingRemoval, portID); idx >= 0 {
		entry.pendingRemoval = slices.Delete(entry.pendingRemoval, idx, idx+1)
	}
	return len(entry.pendingRemoval) > 0
}

// SwitchingMatrix is the table of entries of one node.  The node's own goroutine is
// the only one that changes entries during a tick; the lock guards the table itself.
type SwitchingMatrix struct {
	mu       sync.Mutex
	entries  []*SwitchingMatrixEntry
	nxtLabel int
	sessions *IDGenerator
}

// CreateSwitchingMatrix is a constructor
func CreateSwitchingMatrix() *SwitchingMatrix {
	sm := new(SwitchingMatrix)
	sm.entries = make([]*SwitchingMatrixEntry, 0)
	sm.nxtLabel = FirstUnreservedLabel
	sm.sessions = CreateIDGenerator(1, 1<<31-1)
	return sm
}

// Add puts an entry in the table
func (sm *SwitchingMatrix) Add(entry *SwitchingMatrixEntry) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.entries = append(sm.entries, entry)
}

// Remove takes an entry out of the table and reports whether it was there
func (sm *SwitchingMatrix) Remove(entry *SwitchingMatrixEntry) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	idx := slices.Index(sm.entries, entry)
	if idx < 0 {
		return false
	}
	sm.entries = slices.Delete(sm.entries, idx, idx+1)
	return true
}

// Len is the number of entries
func (sm *SwitchingMatrix) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.entries)
}

// Entries returns the current entries.  The slice is a copy; the entries are not.
func (sm *SwitchingMatrix) Entries() []*SwitchingMatrixEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return slices.Clone(sm.entries)
}

// Snapshot copies every entry.  Call it between ticks.
func (sm *SwitchingMatrix) Snapshot() []SwitchingMatrixEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rtn := make([]SwitchingMatrixEntry, len(sm.entries))
	for idx, entry := range sm.entries {
		rtn[idx] = *entry
		rtn[idx].pendingRemoval = slices.Clone(entry.pendingRemoval)
	}
	return rtn
}

// Lookup finds the entry with the given key and type
func (sm *SwitchingMatrix) Lookup(key int, et EntryType) *SwitchingMatrixEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if key == UndefinedLabel {
		return nil
	}
	for _, entry := range sm.entries {
		if entry.Type == et && entry.LabelOrFEC == key {
			return entry
		}
	}
	return nil
}

// LookupUpstream finds the entry an upstream neighbor reaching us on portID knows by sessionID
func (sm *SwitchingMatrix) LookupUpstream(portID, sessionID int) *SwitchingMatrixEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, entry := range sm.entries {
		if entry.IncomingPortID == portID && entry.UpstreamSessionID == sessionID && sessionID >= 0 {
			return entry
		}
	}
	return nil
}

// LookupLocal finds the entry this node gave sessionID to
func (sm *SwitchingMatrix) LookupLocal(sessionID int) *SwitchingMatrixEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, entry := range sm.entries {
		if entry.LocalSessionID == sessionID && sessionID >= 0 {
			return entry
		}
	}
	return nil
}

// Classify returns the FEC entry with the longest prefix holding dst, or nil
func (sm *SwitchingMatrix) Classify(dst netip.Addr) *SwitchingMatrixEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var best *SwitchingMatrixEntry
	for _, entry := range sm.entries {
		if entry.Type != FECEntry || !entry.Prefix.Contains(dst) {
			continue
		}
		if best == nil || entry.Prefix.Bits() > best.Prefix.Bits() {
			best = entry
		}
	}
	return best
}

// NewLabel hands out a label no label entry uses.  ErrIDExhausted is returned
// when every label is taken.
func (sm *SwitchingMatrix) NewLabel() (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	used := make(map[int]bool)
	for _, entry := range sm.entries {
		if entry.Type == LabelEntry {
			used[entry.LabelOrFEC] = true
		}
	}
	span := MaxLabel - FirstUnreservedLabel + 1
	for tries := 0; tries < span; tries++ {
		lbl := sm.nxtLabel
		sm.nxtLabel += 1
		if sm.nxtLabel > MaxLabel {
			sm.nxtLabel = FirstUnreservedLabel
		}
		if !used[lbl] {
			return lbl, nil
		}
	}
	return 0, errors.Wrap(ErrIDExhausted, "no free label")
}

// NewSessionID hands out a TLDP session id
func (sm *SwitchingMatrix) NewSessionID() (int, error) {
	id, err := sm.sessions.Next()
	return int(id), err
}

// Clear empties the table and restarts label and session numbering
func (sm *SwitchingMatrix) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.entries = make([]*SwitchingMatrixEntry, 0)
	sm.nxtLabel = FirstUnreservedLabel
	sm.sessions.Reset()
}

// addrToInt gives the integer form of an IPv4 address, used as a FEC key
func addrToInt(addr netip.Addr) int {
	if !addr.Is4() {
		return UndefinedLabel
	}
	b := addr.As4()
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}

// parsePrefix builds a prefix from a dotted-quad subnet and mask
func parsePrefix(subnet, mask string) (netip.Prefix, error) {
	ip := net.ParseIP(strings.TrimSpace(subnet)).To4()
	msk := net.ParseIP(strings.TrimSpace(mask)).To4()
	if ip == nil || msk == nil {
		return netip.Prefix{}, errors.Errorf("bad subnet %q / mask %q", subnet, mask)
	}
	ipnet := &net.IPNet{IP: ip.Mask(net.IPMask(msk)), Mask: net.IPMask(msk)}
	prefix, ok := netipx.FromStdIPNet(ipnet)
	if !ok {
		return netip.Prefix{}, errors.Errorf("mask %q is not contiguous", mask)
	}
	return prefix, nil
}

// prefixMask renders the mask of a prefix in dotted-quad form
func prefixMask(prefix netip.Prefix) string {
	ipnet := netipx.PrefixIPNet(prefix)
	return net.IP(ipnet.Mask).String()
}

// parseTableEntry reads one static entry in one of the forms
//
//	PUSH#dstSubnet#mask#nextHopIP#label
//	SWAP#labelIn#labelOut#outPort
//	POP#labelIn#outPort
//	ROUTE#dstSubnet#mask#nextHopIP
//
// The outgoing port of a FEC entry is left for the node to resolve from the next hop.
func parseTableEntry(text string) (*SwitchingMatrixEntry, error) {
	fields := strings.Split(strings.Trim(strings.TrimSpace(text), "#"), "#")
	bad := func(why string) error {
		return errors.Errorf("table entry %q: %s", text, why)
	}
	atoi := func(str string) (int, bool) {
		val, err := strconv.Atoi(strings.TrimSpace(str))
		return val, err == nil
	}

	switch strings.ToUpper(fields[0]) {
	case "PUSH", "ROUTE":
		want := 5
		if strings.ToUpper(fields[0]) == "ROUTE" {
			want = 4
		}
		if len(fields) != want {
			return nil, bad(fmt.Sprintf("want %d fields, have %d", want, len(fields)))
		}
		prefix, err := parsePrefix(fields[1], fields[2])
		if err != nil {
			return nil, errors.Wrap(err, text)
		}
		nextHop, err := netip.ParseAddr(strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, errors.Wrap(err, text)
		}
		entry := createFECEntry(prefix.Addr())
		entry.Prefix = prefix
		entry.NextHop = nextHop
		entry.Static = true
		if want == 4 {
			entry.Operation = OpNoop
			entry.OutgoingLabel = LabelAssigned
			return entry, nil
		}
		lbl, ok := atoi(fields[4])
		if !ok || lbl < FirstUnreservedLabel || lbl > MaxLabel {
			return nil, bad("bad outgoing label")
		}
		entry.Operation = OpPush
		entry.OutgoingLabel = lbl
		return entry, nil

	case "SWAP":
		if len(fields) != 4 {
			return nil, bad(fmt.Sprintf("want 4 fields, have %d", len(fields)))
		}
		in, okIn := atoi(fields[1])
		out, okOut := atoi(fields[2])
		port, okPort := atoi(fields[3])
		if !okIn || !okOut || !okPort || in < FirstUnreservedLabel || out < FirstUnreservedLabel ||
			in > MaxLabel || out > MaxLabel || port < 0 {
			return nil, bad("bad label or port")
		}
		entry := createLabelEntry()
		entry.LabelOrFEC = in
		entry.OutgoingLabel = out
		entry.Operation = OpSwap
		entry.OutgoingPortID = port
		entry.Static = true
		return entry, nil

	case "POP":
		if len(fields) != 3 {
			return nil, bad(fmt.Sprintf("want 3 fields, have %d", len(fields)))
		}
		in, okIn := atoi(fields[1])
		port, okPort := atoi(fields[2])
		if !okIn || !okPort || in < FirstUnreservedLabel || in > MaxLabel || port < 0 {
			return nil, bad("bad label or port")
		}
		entry := createLabelEntry()
		entry.LabelOrFEC = in
		entry.OutgoingLabel = LabelAssigned
		entry.Operation = OpPop
		entry.OutgoingPortID = port
		entry.Static = true
		return entry, nil
	}
	return nil, bad("unknown operation")
}

// tableEntryText renders a static entry in the form parseTableEntry reads
func tableEntryText(entry *SwitchingMatrixEntry) string {
	switch {
	case entry.Type == FECEntry && entry.Operation == OpPush:
		return strings.Join([]string{"PUSH", entry.Prefix.Addr().String(), prefixMask(entry.Prefix),
			entry.NextHop.String(), strconv.Itoa(entry.OutgoingLabel)}, "#")
	case entry.Type == FECEntry:
		return strings.Join([]string{"ROUTE", entry.Prefix.Addr().String(), prefixMask(entry.Prefix),
			entry.NextHop.String()}, "#")
	case entry.Operation == OpSwap:
		return strings.Join([]string{"SWAP", strconv.Itoa(entry.LabelOrFEC), strconv.Itoa(entry.OutgoingLabel),
			strconv.Itoa(entry.OutgoingPortID)}, "#")
	default:
		return strings.Join([]string{"POP", strconv.Itoa(entry.LabelOrFEC), strconv.Itoa(entry.OutgoingPortID)}, "#")
	}
}

// AddTableEntry parses a static entry and adds it. A label entry whose incoming label
// is taken is refused.
func (sm *SwitchingMatrix) AddTableEntry(text string) (*SwitchingMatrixEntry, error) {
	entry, err := parseTableEntry(text)
	if err != nil {
		return nil, err
	}
	if entry.Type == LabelEntry && sm.Lookup(entry.LabelOrFEC, LabelEntry) != nil {
		return nil, errors.Errorf("table entry %q: incoming label %d in use", text, entry.LabelOrFEC)
	}
	sm.Add(entry)
	return entry, nil
}

// SaveTableEntries renders every static entry, in table order
func (sm *SwitchingMatrix) SaveTableEntries() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rtn := make([]string, 0)
	for _, entry := range sm.entries {
		if entry.Static {
			rtn = append(rtn, tableEntryText(entry))
		}
	}
	return rtn
}

// WasRequested reports whether the outgoing label of the entry was ever asked for by TLDP
func (entry *SwitchingMatrixEntry) WasRequested() bool {
	return entry.requested
}
