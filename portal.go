package mplsim

// portal.go holds the boundary between the traffic nodes and the network.
// Every packet a sender hands to the network passes through the portal on
// the way in, and every packet a receiver accepts passes through it on the
// way out, so that the transit time of each packet can be recovered.

import (
	"sync"

	"golang.org/x/exp/slices"
)

// transitRecord remembers when a packet entered the network and when it left
type transitRecord struct {
	entered  int64
	departed int64
	done     bool
}

// PortalStats summarizes the packets that crossed the portal
type PortalStats struct {
	Entered    int     `json:"entered" yaml:"entered"`
	Departed   int     `json:"departed" yaml:"departed"`
	InTransit  int     `json:"intransit" yaml:"intransit"`
	MinLatency int64   `json:"minlatency" yaml:"minlatency"`
	MaxLatency int64   `json:"maxlatency" yaml:"maxlatency"`
	AvgLatency float64 `json:"avglatency" yaml:"avglatency"`
}

// NetworkPortal tracks packets between the sender and the receiver
type NetworkPortal struct {
	mu      sync.Mutex
	records map[int64]*transitRecord
}

// CreateNetworkPortal is a constructor
func CreateNetworkPortal() *NetworkPortal {
	np := new(NetworkPortal)
	np.records = make(map[int64]*transitRecord)
	return np
}

// Enter records that the packet was put on the network at instant
func (np *NetworkPortal) Enter(pkt *Packet, instant int64) {
	np.mu.Lock()
	defer np.mu.Unlock()
	np.records[pkt.ID] = &transitRecord{entered: instant}
}

// Depart records that the packet was accepted at instant and returns its transit time.
// The second return is false for packets that never entered through the portal
func (np *NetworkPortal) Depart(pkt *Packet, instant int64) (int64, bool) {
	np.mu.Lock()
	defer np.mu.Unlock()
	rec, present := np.records[pkt.ID]
	if !present || rec.done {
		return 0, false
	}
	rec.departed = instant
	rec.done = true
	return rec.departed - rec.entered, true
}

// Latency returns the transit time of a packet that has departed
func (np *NetworkPortal) Latency(id int64) (int64, bool) {
	np.mu.Lock()
	defer np.mu.Unlock()
	rec, present := np.records[id]
	if !present || !rec.done {
		return 0, false
	}
	return rec.departed - rec.entered, true
}

// InTransit returns, in increasing order, the ids of packets that entered and have not departed
func (np *NetworkPortal) InTransit() []int64 {
	np.mu.Lock()
	defer np.mu.Unlock()
	ids := make([]int64, 0)
	for id, rec := range np.records {
		if !rec.done {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Stats summarizes the records gathered so far
func (np *NetworkPortal) Stats() PortalStats {
	np.mu.Lock()
	defer np.mu.Unlock()
	var stats PortalStats
	var sum int64
	for _, rec := range np.records {
		stats.Entered += 1
		if !rec.done {
			stats.InTransit += 1
			continue
		}
		latency := rec.departed - rec.entered
		if stats.Departed == 0 || latency < stats.MinLatency {
			stats.MinLatency = latency
		}
		if latency > stats.MaxLatency {
			stats.MaxLatency = latency
		}
		stats.Departed += 1
		sum += latency
	}
	if stats.Departed > 0 {
		stats.AvgLatency = float64(sum) / float64(stats.Departed)
	}
	return stats
}

// Reset forgets every record
func (np *NetworkPortal) Reset() {
	np.mu.Lock()
	defer np.mu.Unlock()
	clear(np.records)
}
