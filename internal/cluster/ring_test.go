package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingAssignsEveryBucketToALiveWorker(t *testing.T) {
	r := NewRing([]string{"w1", "w2", "w3"})
	for b := 0; b < 256; b++ {
		owner := r.Owner(b)
		assert.Contains(t, []string{"w1", "w2", "w3"}, owner)
	}
}

func TestRingIsStableAcrossRepeatedQueries(t *testing.T) {
	r := NewRing([]string{"w1", "w2", "w3"})
	first := make(map[int]string, 256)
	for b := 0; b < 256; b++ {
		first[b] = r.Owner(b)
	}
	for b := 0; b < 256; b++ {
		assert.Equal(t, first[b], r.Owner(b))
	}
}

func TestRingHandoffOnlyMovesFractionOfBucketsOnWorkerLeave(t *testing.T) {
	r := NewRing([]string{"w1", "w2", "w3", "w4"})
	before := make(map[int]string, 1000)
	for b := 0; b < 1000; b++ {
		before[b] = r.Owner(b)
	}

	r.Rebuild([]string{"w1", "w2", "w3"})
	moved := 0
	movedToRemaining := 0
	for b := 0; b < 1000; b++ {
		after := r.Owner(b)
		if after != before[b] {
			moved++
			if before[b] == "w4" {
				movedToRemaining++
			}
		}
	}
	// Every bucket that moved must have been owned by the departed worker;
	// removing one of four workers should not perturb the other three's
	// assignments.
	assert.Equal(t, moved, movedToRemaining)
}

func TestRingEmptyReturnsNoOwner(t *testing.T) {
	r := NewRing(nil)
	assert.Equal(t, "", r.Owner(7))
}
