package main

import (
	"time"

	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/sequence"
)

// segmentsWithin returns how many leading segments fit within maxDuration.
// A segment that crosses the limit is kept if it overshoots by at most 50%.
// At least one segment is always kept; a zero maxDuration keeps everything.
func segmentsWithin(durations []float64, maxDuration time.Duration) int {
	if len(durations) == 0 || maxDuration == 0 {
		return len(durations)
	}

	maxSeconds := maxDuration.Seconds()
	total := durations[0]
	n := 1

	for _, d := range durations[1:] {
		newTotal := total + d
		if newTotal <= maxSeconds {
			total = newTotal
			n++
			continue
		}
		if newTotal-maxSeconds <= maxSeconds*0.5 {
			n++
		}
		break
	}

	return n
}

// truncateSequence drops the trailing segments of seq beyond maxDuration
// and returns how many were removed.
func truncateSequence(seq *sequence.Sequence, maxDuration time.Duration) int {
	durations := make([]float64, 0, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		seg, ok := seq.NthData(i).(*node.Segment)
		if !ok {
			return 0
		}
		durations = append(durations, seg.Duration())
	}

	keep := segmentsWithin(durations, maxDuration)
	removed := 0
	for seq.Len() > keep && seq.Remove(seq.NthIndexValue(seq.Len()-1)) {
		removed++
	}
	return removed
}
