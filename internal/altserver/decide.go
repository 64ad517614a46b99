package altserver

// VerdictKind is the outcome of one switch-decision round, per
// spec.md §4.5.
type VerdictKind int

const (
	// DontChange keeps the uplink on its current server.
	DontChange VerdictKind = iota
	// DoChange hands the uplink a new, already-connected server.
	DoChange
	// NotReachable means no candidate, including the current server,
	// answered; the uplink should treat the image as temporarily
	// unreachable.
	NotReachable
)

// rttAbsoluteThresholdMicros and rttThresholdFactor implement the two
// switch triggers from spec.md §4.5: an absolute RTT gap, or a
// proportional one.
const (
	rttAbsoluteThresholdMicros = 2000
	rttThresholdFactorNum      = 6
	rttThresholdFactorDen      = 5 // current > best*(6/5) == current more than 20% slower than best
)

// decisionInput is the pure, network-free view of one switch-decision
// round: the measured state of the current server (if any) and of the
// best-measured healthy candidate.
type decisionInput struct {
	currentAlive bool
	currentRTT   uint32 // microseconds, valid only if currentAlive
	hasBest      bool
	bestRTT      uint32
	bestIsSame   bool // best candidate is the same host as current
	bestCount    int  // winner's accumulated hysteresis counter
	currentCount int  // current server's own accumulated hysteresis counter
	cycleDetect  bool
	roll         int // precomputed rand.Intn(50)-style roll, injected for determinism
}

// decide implements the anti-flap switch decision from spec.md §4.5 and
// the boundary scenario in spec.md §8 ("RTT switch suppressed by
// anti-flap window"): a strictly-better candidate is only adopted once
// its bestCount has accumulated a clear lead, and a roll of the dice
// gated by that lead, to avoid flapping between two servers with
// similar latency.
func decide(in decisionInput) VerdictKind {
	if !in.currentAlive {
		if in.hasBest {
			return DoChange
		}
		return NotReachable
	}
	if !in.hasBest || in.bestIsSame {
		return DontChange
	}
	if in.cycleDetect {
		return DontChange
	}

	// Trigger 1: absolute RTT gap.
	if in.currentRTT > in.bestRTT+rttAbsoluteThresholdMicros {
		return DoChange
	}
	// Trigger 2: proportional RTT gap.
	if uint64(in.currentRTT)*rttThresholdFactorDen > uint64(in.bestRTT)*rttThresholdFactorNum {
		return DoChange
	}

	// Below both thresholds: only switch once the candidate has proven
	// itself consistently better across several rounds (bestCount) and a
	// weighted coin flip gated by that count comes up in its favor.
	if in.bestRTT >= in.currentRTT {
		return DontChange
	}
	if in.bestCount <= 12 {
		return DontChange
	}
	// Anti-flap gate from spec.md §4.5/§8: the candidate's lead in
	// accumulated bestCount over the current server must be clear before
	// a marginal RTT win is allowed to switch at all.
	if in.bestCount-in.currentCount < 8 {
		return DontChange
	}
	if in.roll >= in.bestCount {
		return DontChange
	}
	return DoChange
}
