package altserver

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/dnbd3/dnbd3-go/internal/wire"
)

// MaxServers is the fixed table size from spec.md §4.4.
const MaxServers = 16

// rttSamples is the size of the ring buffer of recent round-trip times
// kept per server, grounded on altservers.c's SERVER_RTT_PROBES ring.
const rttSamples = 5

// Entry is one row of the alt-server table: an address plus its RTT
// history and failure bookkeeping.
type Entry struct {
	Host       Host
	Comment    string
	Private    bool // replication-only, never advertised to clients
	ClientOnly bool // advertised to clients only, never used for uplink replication

	rtt       [rttSamples]uint32 // microseconds; 0 == no sample yet
	rttCount  int
	rttNext   int
	numFails  int
	lastFail  time.Time
	bestCount int // anti-flap hysteresis counter, spec.md §4.5

	// liveRtt is the EWMA of round-trip latency observed from actual
	// GET_BLOCK replies in production traffic, as opposed to rtt above
	// which only holds dedicated probe-round samples. spec.md §3/§4.5.
	// 0 means no production reply has been timed yet.
	liveRtt uint32
}

// AvgRTT returns the mean of the recorded samples, or (0, false) if no
// sample has ever been taken.
func (e *Entry) AvgRTT() (uint32, bool) {
	if e.rttCount == 0 {
		return 0, false
	}
	var sum uint64
	for i := 0; i < e.rttCount; i++ {
		sum += uint64(e.rtt[i])
	}
	return uint32(sum / uint64(e.rttCount)), true
}

func (e *Entry) addSample(micros uint32) {
	e.rtt[e.rttNext] = micros
	e.rttNext = (e.rttNext + 1) % rttSamples
	if e.rttCount < rttSamples {
		e.rttCount++
	}
	e.numFails = 0
}

func (e *Entry) snapshot() Entry {
	cp := *e
	return cp
}

// Registry is the bounded, mutex-protected alt-server table shared by
// the uplink workers (candidate selection) and the client-facing
// GET_SERVERS handler (closeness-sorted listing), grounded on
// altservers.c's global altServers array.
type Registry struct {
	mu      sync.Mutex
	entries []*Entry
	log     *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{log: logger}
}

// Add inserts a server into the table, or updates it in place if the
// host is already present. Returns false if the table is full.
func (r *Registry) Add(host Host, comment string, private, clientOnly bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			e.Comment, e.Private, e.ClientOnly = comment, private, clientOnly
			return true
		}
	}
	if len(r.entries) >= MaxServers {
		return false
	}
	r.entries = append(r.entries, &Entry{Host: host, Comment: comment, Private: private, ClientOnly: clientOnly})
	return true
}

// Remove drops a server from the table.
func (r *Registry) Remove(host Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// UpdateRTT records a fresh measurement for host and returns the new
// running average.
func (r *Registry) UpdateRTT(host Host, micros uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			e.addSample(micros)
			avg, _ := e.AvgRTT()
			return avg
		}
	}
	return micros
}

// UpdateLiveRTT folds an observed GET_BLOCK reply latency into host's
// liveRtt EWMA, per spec.md §4.5: liveRtt = (3*liveRtt + observed)/4.
// The first observation seeds liveRtt directly rather than averaging
// against the zero-value.
func (r *Registry) UpdateLiveRTT(host Host, observedMicros uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			if e.liveRtt == 0 {
				e.liveRtt = observedMicros
			} else {
				e.liveRtt = (3*e.liveRtt + observedMicros) / 4
			}
			return
		}
	}
}

// liveRTTOf returns host's current liveRtt EWMA, or (0, false) if no
// production reply has ever been timed against it.
func (r *Registry) liveRTTOf(host Host) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			if e.liveRtt == 0 {
				return 0, false
			}
			return e.liveRtt, true
		}
	}
	return 0, false
}

// ReportFailure marks a failed connection/probe attempt against host.
func (r *Registry) ReportFailure(host Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			e.numFails++
			e.lastFail = time.Now()
			return
		}
	}
}

// bumpBestCount implements the anti-flap hysteresis accounting from
// spec.md §4.5: the winning candidate's counter grows, everyone else's
// decays, both clamped to [0, 50].
func (r *Registry) bumpBestCount(winner Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, winner) {
			e.bestCount += 2
			if e.bestCount > 50 {
				e.bestCount = 50
			}
		} else {
			e.bestCount--
			if e.bestCount < 0 {
				e.bestCount = 0
			}
		}
	}
}

func (r *Registry) bestCountOf(host Host) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if SameAddressPort(e.Host, host) {
			return e.bestCount
		}
	}
	return 0
}

// ListForClient returns up to n servers to advertise to a connecting
// client, sorted by descending (closeness score − failCount) to the
// client's address, per spec.md §4.4. Private-only entries are
// excluded.
func (r *Registry) ListForClient(client Host, n int) []wire.ServerEntry {
	r.mu.Lock()
	var cand []struct {
		e     *Entry
		score int
	}
	for _, e := range r.entries {
		if e.Private {
			continue
		}
		cand = append(cand, struct {
			e     *Entry
			score int
		}{e, NetCloseness(client, e.Host) - e.numFails})
	}
	r.mu.Unlock()

	sortByScoreDesc(cand)
	if n > 0 && len(cand) > n {
		cand = cand[:n]
	}
	out := make([]wire.ServerEntry, 0, len(cand))
	for _, c := range cand {
		out = append(out, c.e.Host.ToServerEntry())
	}
	return out
}

func sortByScoreDesc(s []struct {
	e     *Entry
	score int
}) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].score > s[j-1].score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// ListForUplink returns up to n candidate hosts for the uplink worker
// to probe, in the two-pass order from spec.md §4.4: a random starting
// rotation among healthy (non-failing) servers first, falling back to
// every remaining server — including recently-failed ones — only when
// emergency is set (i.e. the uplink currently has no working server at
// all). Client-only entries are excluded.
func (r *Registry) ListForUplink(n int, emergency bool) []Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	var healthy, failing []*Entry
	for _, e := range r.entries {
		if e.ClientOnly {
			continue
		}
		if e.numFails > 0 {
			failing = append(failing, e)
		} else {
			healthy = append(healthy, e)
		}
	}
	rotate(healthy)
	rotate(failing)

	out := make([]Host, 0, n)
	for _, e := range healthy {
		if len(out) >= n {
			return out
		}
		out = append(out, e.Host)
	}
	if emergency {
		for _, e := range failing {
			if len(out) >= n {
				return out
			}
			out = append(out, e.Host)
		}
	}
	return out
}

func rotate(s []*Entry) {
	if len(s) < 2 {
		return
	}
	k := rand.Intn(len(s))
	rotated := make([]*Entry, 0, len(s))
	rotated = append(rotated, s[k:]...)
	rotated = append(rotated, s[:k]...)
	copy(s, rotated)
}

// Snapshot returns a defensive copy of every entry, for status
// reporting.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.snapshot()
	}
	return out
}

// Len reports the current table size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
