package mplsim

// tldp.go holds the label distribution protocol.  Every exchange is between two
// adjacent nodes; an LSP is built hop by hop as each node that cannot answer a
// request itself asks its own next hop toward the tail end.
//
// A message traveling toward the tail end comes from the upstream neighbor and
// names the session by the id that neighbor gave it, so its entry is found by
// (incoming port, upstream session).  A message traveling toward the head end
// names the session by the id this node gave it.

import (
	"net/netip"

	"go.uber.org/zap"
)

// sendTLDP puts a TLDP message on the link of port portID, addressed to the neighbor there
func (fn *forwardingNode) sendTLDP(portID int, payload TLDPPayload) error {
	port := fn.ports.Port(portID)
	if port == nil || port.peer() == nil {
		return nil
	}
	id, err := fn.topo.newPacketID()
	if err != nil {
		return err
	}
	fn.generate(createTLDPPacket(id, fn.ip, port.peer().IP(), payload), portID)
	if ce := fn.logger.Check(zap.DebugLevel, "tldp sent"); ce != nil {
		ce.Write(zap.Stringer("msg", payload.MessageType), zap.Int("session", payload.SessionID),
			zap.Int("port", portID), zap.Int("label", payload.Label))
	}
	return nil
}

// forwardDir gives the direction of a message toward the tail end of the entry's LSP
func forwardDir(entry *SwitchingMatrixEntry) TLDPDirection {
	if entry.Backup {
		return DirForwardBackup
	}
	return DirForward
}

// backwardDir gives the direction of a message toward the head end of the entry's LSP
func backwardDir(entry *SwitchingMatrixEntry) TLDPDirection {
	if entry.Backup {
		return DirBackwardBackup
	}
	return DirBackward
}

// requestLabel asks the next hop of the entry for a label
func (fn *forwardingNode) requestLabel(entry *SwitchingMatrixEntry) error {
	return fn.sendTLDP(entry.OutgoingPortID, TLDPPayload{MessageType: LabelRequest, SessionID: entry.LocalSessionID,
		TailEnd: entry.TailEnd, Direction: forwardDir(entry)})
}

// answerUpstream tells the upstream neighbor of a transit entry the outcome of its request
func (fn *forwardingNode) answerUpstream(entry *SwitchingMatrixEntry, msg TLDPMessageType) error {
	payload := TLDPPayload{MessageType: msg, SessionID: entry.UpstreamSessionID, TailEnd: entry.TailEnd,
		Direction: backwardDir(entry), Label: UndefinedLabel}
	if msg == LabelRequestOK {
		payload.Label = entry.LabelOrFEC
		if entry.OutgoingPortID >= 0 && entry.Operation == OpPop && !entry.lspCounted {
			fn.countLSP(entry, 1)
		}
	}
	return fn.sendTLDP(entry.IncomingPortID, payload)
}

// countLSP adds delta to the LSP counter of the entry's outgoing link, if it is internal
func (fn *forwardingNode) countLSP(entry *SwitchingMatrixEntry, delta int) {
	link := fn.linkAt(entry.OutgoingPortID)
	if link == nil || !link.IsInternal() {
		return
	}
	if delta > 0 && !entry.lspCounted {
		link.AddLSP(entry.Backup)
		entry.lspCounted = true
	} else if delta < 0 && entry.lspCounted {
		link.RemoveLSP(entry.Backup)
		entry.lspCounted = false
	}
}

// requestFEC creates the FEC entry for traffic toward dst arriving on inPort and starts
// the exchange that binds it, or binds it at once when dst lies outside the domain.
// The entry is returned; nil means there is no route.
func (fn *forwardingNode) requestFEC(dst netip.Addr, inPort int) (*SwitchingMatrixEntry, error) {
	portID, next, ok := fn.topo.nextHop(fn.self, dst)
	if !ok {
		return nil, nil
	}
	entry := createFECEntry(dst)
	entry.IncomingPortID = inPort
	entry.OutgoingPortID = portID

	if outsideDomain(fn.linkAt(portID), next) {
		entry.Operation = OpNoop
		entry.OutgoingLabel = LabelAssigned
		fn.matrix.Add(entry)
		return entry, nil
	}

	sid, err := fn.matrix.NewSessionID()
	if err != nil {
		return nil, err
	}
	entry.LocalSessionID = sid
	entry.Operation = OpPush
	entry.OutgoingLabel = LabelRequested
	entry.requested = true
	entry.armTimer()
	fn.matrix.Add(entry)
	fn.logger.Debug("requesting label", zap.Stringer("fec", dst), zap.Int("session", sid))
	return entry, fn.requestLabel(entry)
}

// handleTLDP dispatches a TLDP message that arrived on port portID
func (fn *forwardingNode) handleTLDP(pkt *Packet, portID int) error {
	msg := pkt.TLDP
	if msg == nil {
		fn.discard(pkt, "tldp without payload")
		return nil
	}
	if !fn.params.LDP {
		fn.discard(pkt, "tldp not enabled")
		return nil
	}

	var entry *SwitchingMatrixEntry
	if msg.Direction.isForward() {
		entry = fn.matrix.LookupUpstream(portID, msg.SessionID)
	} else {
		entry = fn.matrix.LookupLocal(msg.SessionID)
	}

	switch msg.MessageType {
	case LabelRequest:
		return fn.handleLabelRequest(entry, msg, portID)
	case LabelRequestOK:
		return fn.handleLabelRequestOK(entry, msg, portID)
	case LabelRequestDenied:
		return fn.handleLabelRequestDenied(entry, portID)
	case LabelRemovalRequest:
		return fn.handleRemovalRequest(entry, msg, portID)
	case LabelRemovalRequestOK:
		return fn.handleRemovalRequestOK(entry, portID)
	}
	fn.discard(pkt, "unknown tldp message")
	return nil
}

// deny refuses a label request that no entry was kept for
func (fn *forwardingNode) deny(msg *TLDPPayload, portID int) error {
	return fn.sendTLDP(portID, TLDPPayload{MessageType: LabelRequestDenied, SessionID: msg.SessionID,
		TailEnd: msg.TailEnd, Direction: msg.Direction.reverse(), Label: UndefinedLabel})
}

// handleLabelRequest answers, or passes on, a request from the upstream neighbor on portID
func (fn *forwardingNode) handleLabelRequest(entry *SwitchingMatrixEntry, msg *TLDPPayload, portID int) error {
	if entry != nil {
		// the same request again: answer from the state reached so far
		switch {
		case entry.IsAssigned() && entry.LabelOrFEC >= 0:
			return fn.answerUpstream(entry, LabelRequestOK)
		case entry.OutgoingLabel == LabelUnavailable:
			return fn.answerUpstream(entry, LabelRequestDenied)
		}
		return nil
	}

	tailEnd := msg.TailEnd
	isTail := tailEnd == fn.ip
	outPort, next, ok := -1, Node(nil), false
	if !isTail {
		outPort, next, ok = fn.topo.nextHop(fn.self, tailEnd)
		if !ok {
			fn.logger.Debug("label request denied, no route", zap.Stringer("tailend", tailEnd))
			return fn.deny(msg, portID)
		}
	}

	sid, err := fn.matrix.NewSessionID()
	if err != nil {
		return err
	}
	entry = createLabelEntry()
	entry.IncomingPortID = portID
	entry.UpstreamSessionID = msg.SessionID
	entry.LocalSessionID = sid
	entry.TailEnd = tailEnd
	entry.Backup = msg.Direction.isBackup()
	entry.OutgoingPortID = outPort

	var outLink *Link
	leaves := isTail
	if !isTail {
		outLink = fn.linkAt(outPort)
		leaves = outsideDomain(outLink, next)
	}

	switch {
	case leaves && fn.kind == LSRNode:
		fn.logger.Debug("label request denied, next hop outside domain", zap.Stringer("tailend", tailEnd))
		return fn.deny(msg, portID)

	case outLink != nil && outLink.IsBroken():
		return fn.deny(msg, portID)

	case leaves, fn.kind == LSRNode && fn.params.PHP && next.Kind() == LERNode && fn.topo.isEgressFor(next, tailEnd):
		// egress, or penultimate hop popping for the egress behind us
		lbl, err := fn.matrix.NewLabel()
		if err != nil {
			return err
		}
		entry.LabelOrFEC = lbl
		entry.Operation = OpPop
		entry.OutgoingLabel = LabelAssigned
		fn.matrix.Add(entry)
		return fn.answerUpstream(entry, LabelRequestOK)
	}

	entry.Operation = OpSwap
	entry.OutgoingLabel = LabelRequested
	entry.requested = true
	entry.armTimer()
	fn.matrix.Add(entry)
	return fn.requestLabel(entry)
}

// handleLabelRequestOK binds the label the downstream neighbor on portID advertised
func (fn *forwardingNode) handleLabelRequestOK(entry *SwitchingMatrixEntry, msg *TLDPPayload, portID int) error {
	if entry == nil || entry.OutgoingPortID != portID || entry.OutgoingLabel != LabelRequested {
		return nil
	}
	entry.OutgoingLabel = msg.Label
	fn.countLSP(entry, 1)

	if entry.Type == FECEntry {
		fn.emit(LSPEstablished, nil, entry.TailEnd.String())
		fn.logger.Debug("lsp established", zap.Stringer("entry", entry))
		return nil
	}
	if entry.LabelOrFEC == UndefinedLabel {
		lbl, err := fn.matrix.NewLabel()
		if err != nil {
			return err
		}
		entry.LabelOrFEC = lbl
	}
	return fn.answerUpstream(entry, LabelRequestOK)
}

// handleLabelRequestDenied marks the entry unavailable and passes the denial upstream
func (fn *forwardingNode) handleLabelRequestDenied(entry *SwitchingMatrixEntry, portID int) error {
	if entry == nil || entry.OutgoingPortID != portID || entry.OutgoingLabel != LabelRequested {
		return nil
	}
	entry.OutgoingLabel = LabelUnavailable
	fn.logger.Debug("label unavailable", zap.Stringer("entry", entry))
	if !entry.isTransit() {
		return nil
	}
	err := fn.answerUpstream(entry, LabelRequestDenied)
	fn.matrix.Remove(entry)
	return err
}

// startWithdrawal tears down the entry, asking the neighbors on its other ports to do
// the same.  The entry goes once every one of them has confirmed.
func (fn *forwardingNode) startWithdrawal(entry *SwitchingMatrixEntry, trigger int) error {
	if entry.OutgoingLabel == LabelRequested && entry.isTransit() && trigger != entry.IncomingPortID {
		// nothing bound downstream yet: refuse the upstream request instead
		err := fn.answerUpstream(entry, LabelRequestDenied)
		fn.matrix.Remove(entry)
		return err
	}

	entry.OutgoingLabel = RemovingLabel
	entry.pendingRemoval = entry.pendingRemoval[:0]

	type side struct {
		port    int
		session int
		dir     TLDPDirection
	}
	sides := []side{{entry.OutgoingPortID, entry.LocalSessionID, forwardDir(entry)}}
	if entry.isTransit() {
		sides = append(sides, side{entry.IncomingPortID, entry.UpstreamSessionID, backwardDir(entry)})
	}
	for _, sd := range sides {
		if sd.port < 0 || sd.port == trigger || sd.session < 0 {
			continue
		}
		link := fn.linkAt(sd.port)
		if link == nil || !link.IsInternal() || link.IsBroken() {
			continue
		}
		entry.pendingRemoval = append(entry.pendingRemoval, sd.port)
		if err := fn.sendTLDP(sd.port, TLDPPayload{MessageType: LabelRemovalRequest, SessionID: sd.session,
			TailEnd: entry.TailEnd, Direction: sd.dir, Label: UndefinedLabel}); err != nil {
			return err
		}
	}

	if len(entry.pendingRemoval) == 0 {
		fn.removeEntry(entry)
		return nil
	}
	entry.armTimer()
	fn.logger.Debug("withdrawing", zap.Stringer("entry", entry), zap.Ints("pending", entry.pendingRemoval))
	return nil
}

// removeEntry takes a withdrawn entry out of the matrix
func (fn *forwardingNode) removeEntry(entry *SwitchingMatrixEntry) {
	counted := entry.lspCounted
	fn.countLSP(entry, -1)
	if fn.matrix.Remove(entry) && counted {
		fn.emit(LSPRemoved, nil, entry.TailEnd.String())
	}
}

// handleRemovalRequest acknowledges a withdrawal request and withdraws the entry it names
func (fn *forwardingNode) handleRemovalRequest(entry *SwitchingMatrixEntry, msg *TLDPPayload, portID int) error {
	if err := fn.sendTLDP(portID, TLDPPayload{MessageType: LabelRemovalRequestOK, SessionID: msg.SessionID,
		TailEnd: msg.TailEnd, Direction: msg.Direction.reverse(), Label: UndefinedLabel}); err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if entry.OutgoingLabel == RemovingLabel {
		// both sides withdrawing at once: the request stands in for the confirmation
		if !entry.confirmRemoval(portID) {
			fn.removeEntry(entry)
		}
		return nil
	}
	return fn.startWithdrawal(entry, portID)
}

// handleRemovalRequestOK counts a confirmation of the withdrawal of an entry
func (fn *forwardingNode) handleRemovalRequestOK(entry *SwitchingMatrixEntry, portID int) error {
	if entry == nil || entry.OutgoingLabel != RemovingLabel {
		return nil
	}
	if !entry.confirmRemoval(portID) {
		fn.removeEntry(entry)
	}
	return nil
}

// updateTimeouts runs the countdown of every entry waiting for an answer, resending
// what has timed out and giving up on entries out of attempts
func (fn *forwardingNode) updateTimeouts() error {
	if !fn.params.LDP {
		return nil
	}
	for _, entry := range fn.matrix.Entries() {
		if entry.OutgoingLabel != LabelRequested && entry.OutgoingLabel != RemovingLabel {
			continue
		}
		if !entry.countDown(fn.stepDuration) {
			continue
		}
		if entry.attempts > 0 {
			entry.attempts -= 1
			entry.timeout = TLDPTimeout
			if err := fn.resend(entry); err != nil {
				return err
			}
			continue
		}

		fn.logger.Debug("tldp attempts exhausted", zap.Stringer("entry", entry))
		if entry.OutgoingLabel == LabelRequested && entry.isTransit() {
			if err := fn.answerUpstream(entry, LabelRequestDenied); err != nil {
				return err
			}
		}
		fn.removeEntry(entry)
	}
	return nil
}

// resend repeats the request an entry is waiting on
func (fn *forwardingNode) resend(entry *SwitchingMatrixEntry) error {
	if entry.OutgoingLabel == LabelRequested {
		return fn.requestLabel(entry)
	}
	for _, port := range entry.pendingRemoval {
		payload := TLDPPayload{MessageType: LabelRemovalRequest, TailEnd: entry.TailEnd, Label: UndefinedLabel}
		if port == entry.OutgoingPortID {
			payload.SessionID = entry.LocalSessionID
			payload.Direction = forwardDir(entry)
		} else {
			payload.SessionID = entry.UpstreamSessionID
			payload.Direction = backwardDir(entry)
		}
		if err := fn.sendTLDP(port, payload); err != nil {
			return err
		}
	}
	return nil
}
