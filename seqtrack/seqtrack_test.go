package seqtrack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInOrderSequenceNoLoss(t *testing.T) {
	tr := NewTracker(1, 90000)
	for i := uint16(0); i < 100; i++ {
		class := tr.Push(i, uint32(i)*3000, uint32(i)*3000+10)
		if i == 0 {
			assert.Equal(t, ClassNormal, class)
		}
	}
	stats := tr.Snapshot()
	assert.EqualValues(t, 100, stats.Received)
	assert.EqualValues(t, 100, stats.Expected)
	assert.EqualValues(t, 0, stats.CumulativeLost)
}

func TestDetectsLoss(t *testing.T) {
	tr := NewTracker(1, 90000)
	tr.Push(0, 0, 0)
	tr.Push(1, 1000, 1000)
	// skip seq 2,3,4
	tr.Push(5, 5000, 5000)

	stats := tr.Snapshot()
	assert.EqualValues(t, 3, stats.Received)
	assert.EqualValues(t, 6, stats.Expected)
	assert.EqualValues(t, 3, stats.CumulativeLost)
}

func TestWrapAroundExtendsMonotonically(t *testing.T) {
	tr := NewTracker(1, 90000)
	tr.Push(65534, 0, 0)
	tr.Push(65535, 1000, 1000)
	tr.Push(0, 2000, 2000) // wraps
	tr.Push(1, 3000, 3000)

	stats := tr.Snapshot()
	assert.EqualValues(t, 1, stats.Cycles)
	assert.Greater(t, stats.MaxSeq, uint32(65535))
	assert.EqualValues(t, 4, stats.Received)
}

func TestDuplicateDetected(t *testing.T) {
	tr := NewTracker(1, 90000)
	tr.Push(10, 0, 0)
	class := tr.Push(10, 0, 0)
	assert.Equal(t, ClassDuplicate, class)

	stats := tr.Snapshot()
	assert.EqualValues(t, 1, stats.Duplicates)
}

func TestReorderedDetectedNotCountedAsLoss(t *testing.T) {
	tr := NewTracker(1, 90000)
	tr.Push(10, 0, 0)
	tr.Push(12, 2000, 2000)
	class := tr.Push(11, 1000, 1000) // arrives late, in the gap
	assert.Equal(t, ClassReordered, class)

	stats := tr.Snapshot()
	assert.EqualValues(t, 1, stats.Reordered)
}

func TestLargeJumpEntersProbationThenRecovers(t *testing.T) {
	tr := NewTracker(1, 90000)
	tr.Push(10, 0, 0)

	class := tr.Push(10000, 1000, 1000) // jump > MaxDropout
	assert.Equal(t, ClassProbation, class)

	class = tr.Push(10001, 2000, 2000)
	assert.Equal(t, ClassNormal, class)

	stats := tr.Snapshot()
	assert.EqualValues(t, 10001, stats.BaseSeq)
}

func TestJitterAccumulates(t *testing.T) {
	tr := NewTracker(1, 90000)
	tr.Push(0, 0, 0)
	tr.Push(1, 90000, 91000) // 1000 units of skew vs expected cadence
	stats := tr.Snapshot()
	assert.Greater(t, stats.Jitter, 0.0)
}

// TestLossStormAtScaleMatchesIndependentGroundTruth drives 100000 packets
// through a Tracker with ~40% loss, ~5% reordering, and ~1% duplication and
// checks the result against two independent sources of truth: cum_lost is
// checked against the literal count of virtual sequence numbers that were
// never delivered, and jitter is checked against a second, independently
// written implementation of the RFC 3550 §A.8 EWMA formula fed the exact
// same (transit, classification) stream the Tracker saw.
func TestLossStormAtScaleMatchesIndependentGroundTruth(t *testing.T) {
	const (
		n             = 100000
		frameInterval = uint32(3000)
		lossProb      = 0.40
		reorderProb   = 0.05
		dupProb       = 0.01
		jitterBound   = 400
	)

	rng := rand.New(rand.NewSource(42))

	// The first and last virtual indices are never dropped, so the
	// Tracker's extended base/max sequence stay pinned to 0 and n-1 and
	// Expected is known exactly regardless of how the middle is shuffled.
	delivered := []int{0}
	for i := 1; i < n-1; i++ {
		if rng.Float64() >= lossProb {
			delivered = append(delivered, i)
		}
	}
	delivered = append(delivered, n-1)
	groundTruthLost := n - len(delivered)

	for pos := 1; pos <= len(delivered)-3; pos++ {
		if rng.Float64() < reorderProb {
			delivered[pos], delivered[pos+1] = delivered[pos+1], delivered[pos]
		}
	}

	pushOrder := make([]int, 0, len(delivered)+len(delivered)/50)
	for pos, idx := range delivered {
		pushOrder = append(pushOrder, idx)
		if pos != 0 && pos != len(delivered)-1 && rng.Float64() < dupProb {
			pushOrder = append(pushOrder, idx) // duplicate delivery of the same packet
		}
	}

	noise := make([]int64, n)
	for i := range noise {
		noise[i] = int64(rng.Intn(2*jitterBound+1) - jitterBound)
	}

	tr := NewTracker(1, 90000)

	var (
		refJitter      float64
		refPrevTransit int64
		haveRefPrev    bool
	)
	for _, idx := range pushOrder {
		ts := uint32(idx+1) * frameInterval // offset by one frame so ts+noise never underflows uint32
		arrival := uint32(int64(ts) + noise[idx])

		cls := tr.Push(uint16(idx), ts, arrival)
		if cls != ClassNormal {
			continue
		}

		transit := int64(arrival) - int64(ts)
		if haveRefPrev {
			d := transit - refPrevTransit
			if d < 0 {
				d = -d
			}
			refJitter += (float64(d) - refJitter) / 16
		}
		refPrevTransit = transit
		haveRefPrev = true
	}

	stats := tr.Snapshot()

	assert.EqualValues(t, n, stats.Expected)
	assert.InDelta(t, float64(groundTruthLost), float64(stats.CumulativeLost), 1)

	assert.Greater(t, refJitter, 0.0)
	assert.InEpsilon(t, refJitter, stats.Jitter, 0.10)
}

func TestMarkReportSentResetsInterval(t *testing.T) {
	tr := NewTracker(1, 90000)
	for i := uint16(0); i < 10; i++ {
		tr.Push(i, uint32(i)*1000, uint32(i)*1000)
	}
	tr.MarkReportSent()
	tr.Push(10, 10000, 10000)
	tr.Push(12, 12000, 12000) // skip 11: one loss in this interval

	stats := tr.Snapshot()
	assert.Greater(t, stats.FractionLost, uint8(0))
}
