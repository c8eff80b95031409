// Package seqtrack implements RTP sequence-number extension, loss
// accounting, and jitter estimation per RFC 3550 Appendix A, as required
// by spec §4.6 and §8. It is a from-scratch replacement for the teacher's
// simplified internal/rtp/seq.go, extended to:
//   - 32-bit extended highest sequence number (s_max) with wrap cycles
//   - RFC 3550 Appendix A reordering/probation/MAX_DROPOUT handling
//   - RFC 3550 §A.8 jitter
package seqtrack

import "sync"

// MaxDropout is RFC 3550 Appendix A's MAX_DROPOUT: two consecutive packets
// whose sequence differs by more than this restart tracking (probation).
const MaxDropout = 3000

// MaxMisorder bounds how far behind s_max a packet can land and still be
// treated as reordering rather than a restart candidate.
const MaxMisorder = 100

// MinSequential is how many consecutive, in-order packets are required to
// leave probation and accept a new base sequence.
const MinSequential = 2

// Stats is a snapshot of one SSRC's tracking state, safe to read
// concurrently with further Push calls (single writer per SSRC, per spec
// §5's concurrency model).
type Stats struct {
	SSRC           uint32
	BaseSeq        uint32 // s_base
	MaxSeq         uint32 // s_max, extended (high 16 = cycles, low 16 = seq)
	Cycles         uint16
	Received       uint64 // rcv
	Expected       uint64 // exp = s_max - s_base + 1
	CumulativeLost int64  // exp - rcv, clamped on the wire by rtcpcodec
	FractionLost   uint8  // losses since last report / expected since last report, *256
	Reordered      uint64
	Duplicates     uint64
	Jitter         float64 // RFC 3550 J, in RTP timestamp units
}

// Tracker tracks one SSRC's sequence numbers, loss, and jitter.
type Tracker struct {
	mu sync.Mutex

	ssrc uint32

	initialized bool
	probation   int
	badSeq      uint32

	baseSeq uint32
	maxSeq  uint32
	cycles  uint16

	received   uint64
	reordered  uint64
	duplicates uint64

	// seen[ext%128] holds ext+1 for recently counted extended sequence
	// numbers, so a late duplicate is not counted as received twice.
	seen [128]uint32

	// interval bookkeeping for RR fraction-lost (spec §4.7)
	expectedPrior uint64
	receivedPrior uint64

	// jitter (RFC 3550 §A.8)
	haveJitterPrev bool
	prevTransit    int64
	jitter         float64

	clockRate uint32
}

// NewTracker returns a Tracker for ssrc, sampled at clockRate Hz (the
// track's RTP clock rate, used to express wall-clock arrival in RTP
// timestamp units for jitter per spec §4.6).
func NewTracker(ssrc uint32, clockRate uint32) *Tracker {
	return &Tracker{ssrc: ssrc, clockRate: clockRate}
}

// Classification is how Push classified one packet.
type Classification int

const (
	ClassNormal Classification = iota
	ClassReordered
	ClassDuplicate
	ClassProbation // still gathering MinSequential before trusting the stream
)

// Push records one received packet's sequence number and timestamp,
// and updates jitter using arrivalRTP (the local wall clock expressed in
// the payload's clock rate, per spec §4.6). It returns the packet's
// reorder/duplicate classification for caller-side accounting.
func (t *Tracker) Push(seq uint16, ts uint32, arrivalRTP uint32) Classification {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		t.initSeq(seq)
		t.initialized = true
		t.updateJitter(ts, arrivalRTP)
		return ClassNormal
	}

	if t.probation > 0 {
		// Probation: still deciding whether this is a genuine restart.
		// t.maxSeq tracks the tentative restart point set when probation
		// began, so this only confirms on a truly consecutive follow-up.
		if uint16(seq) == uint16(t.maxSeq)+1 {
			t.probation--
			t.maxSeq = uint32(seq)
			if t.probation == 0 {
				t.initSeq(seq)
				t.updateJitter(ts, arrivalRTP)
				return ClassNormal
			}
			return ClassProbation
		}
		t.probation = MinSequential - 1
		t.maxSeq = uint32(seq)
		t.badSeq = uint32(seq+1) & 0xffff
		return ClassProbation
	}

	return t.updateSeq(seq, ts, arrivalRTP)
}

func (t *Tracker) initSeq(seq uint16) {
	t.baseSeq = uint32(seq)
	t.maxSeq = uint32(seq)
	t.badSeq = 0x10000 // unattainable sentinel, per RFC 3550 Appendix A's RTP_SEQ_MOD+1
	t.cycles = 0
	t.received = 1
	t.expectedPrior = 0
	t.receivedPrior = 0
	t.haveJitterPrev = false
	t.seen = [128]uint32{}
	t.seen[uint32(seq)%128] = uint32(seq) + 1
}

func (t *Tracker) updateSeq(seq uint16, ts uint32, arrivalRTP uint32) Classification {
	curSeq := uint16(t.maxSeq)
	delta := seq - curSeq // unsigned 16-bit wraparound subtraction

	switch {
	case delta < MaxDropout:
		// Forward, in-order-ish. Possible seq wrap.
		if delta == 0 {
			t.duplicates++
			return ClassDuplicate
		}
		if seq < curSeq {
			t.cycles++
		}
		t.maxSeq = uint32(t.cycles)<<16 | uint32(seq)
		t.seen[t.maxSeq%128] = t.maxSeq + 1
		t.received++
		t.updateJitter(ts, arrivalRTP)
		return ClassNormal

	case delta <= 0x10000-MaxMisorder:
		// Large jump: too big to be reordering. Treat as a possible
		// restart (probation), per RFC 3550 Appendix A.
		if uint32(seq) == t.badSeq {
			t.initSeq(seq)
			t.updateJitter(ts, arrivalRTP)
			return ClassNormal
		}
		t.maxSeq = uint32(seq) // tentative restart point for probation
		t.badSeq = uint32(seq+1) & 0xffff
		t.probation = MinSequential - 1
		return ClassProbation

	default:
		// Small backward delta: reordered/duplicate, not loss.
		ext := t.maxSeq - uint32(curSeq-seq)
		if delta == 0 || t.seen[ext%128] == ext+1 {
			t.duplicates++
			return ClassDuplicate
		}
		t.seen[ext%128] = ext + 1
		t.reordered++
		t.received++
		return ClassReordered
	}
}

// updateJitter implements RFC 3550 §A.8:
//
//	D = (arrival_j - arrival_i) - (ts_j - ts_i)
//	J += (|D| - J) / 16
func (t *Tracker) updateJitter(ts uint32, arrivalRTP uint32) {
	transit := int64(arrivalRTP) - int64(ts)
	if !t.haveJitterPrev {
		t.prevTransit = transit
		t.haveJitterPrev = true
		return
	}
	d := transit - t.prevTransit
	if d < 0 {
		d = -d
	}
	t.prevTransit = transit
	t.jitter += (float64(d) - t.jitter) / 16
}

// Snapshot returns the current Stats, computing exp/cum_lost/fraction_lost
// per spec §3's invariants.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	expected := uint64(t.maxSeq) - uint64(t.baseSeq) + 1
	lostTotal := int64(expected) - int64(t.received)

	expectedInterval := expected - t.expectedPrior
	receivedInterval := t.received - t.receivedPrior
	var lostInterval int64
	if expectedInterval > receivedInterval {
		lostInterval = int64(expectedInterval - receivedInterval)
	}
	// A small negative delta (late packet) must not produce a negative
	// "expected this interval" (spec §4.7's reordering guard).
	var fraction uint8
	if expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8((lostInterval * 256) / int64(expectedInterval))
	}

	return Stats{
		SSRC:           t.ssrc,
		BaseSeq:        t.baseSeq,
		MaxSeq:         t.maxSeq,
		Cycles:         t.cycles,
		Received:       t.received,
		Expected:       expected,
		CumulativeLost: lostTotal,
		FractionLost:   fraction,
		Reordered:      t.reordered,
		Duplicates:     t.duplicates,
		Jitter:         t.jitter,
	}
}

// MarkReportSent resets the interval counters used for fraction_lost, to
// be called once per emitted RTCP report (spec §4.7).
func (t *Tracker) MarkReportSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expectedPrior = uint64(t.maxSeq) - uint64(t.baseSeq) + 1
	t.receivedPrior = t.received
}
