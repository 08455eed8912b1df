package replay

import (
	"math/rand"
	"testing"
)

const testLimit = 1 << 62

func TestShuffledCountersAcceptedOnce(t *testing.T) {
	const n = 5000
	counters := make([]uint64, n)
	for i := range counters {
		counters[i] = uint64(i)
	}
	rand.New(rand.NewSource(1)).Shuffle(n, func(i, j int) {
		counters[i], counters[j] = counters[j], counters[i]
	})

	var filter Filter
	accepted := 0
	for _, c := range counters {
		if filter.ValidateCounter(c, testLimit) {
			accepted++
		}
	}
	// Shuffled delivery may exceed the window span for a few values,
	// but with n well under windowSize every counter fits.
	if n > windowSize {
		t.Fatalf("test misconfigured: n %d exceeds window %d", n, windowSize)
	}
	if accepted != n {
		t.Errorf("accepted %d of %d shuffled counters", accepted, n)
	}

	// Second delivery of any of them is a replay.
	if filter.ValidateCounter(100, testLimit) {
		t.Errorf("replayed counter 100 was accepted")
	}
}

func TestWindowSemantics(t *testing.T) {
	var filter Filter

	if !filter.ValidateCounter(0, testLimit) {
		t.Fatal("first counter rejected")
	}
	if filter.ValidateCounter(0, testLimit) {
		t.Error("duplicate of counter 0 accepted")
	}

	// Jump far ahead: window floor moves past the early values.
	head := uint64(windowSize + 1000)
	if !filter.ValidateCounter(head, testLimit) {
		t.Fatal("advance past window rejected")
	}
	if filter.ValidateCounter(head-windowSize-1, testLimit) {
		t.Error("counter below window floor accepted")
	}
	if !filter.ValidateCounter(head-windowSize, testLimit) {
		t.Error("counter at window floor rejected")
	}
	if !filter.ValidateCounter(head-1, testLimit) {
		t.Error("fresh counter inside window rejected")
	}
	if filter.ValidateCounter(head-1, testLimit) {
		t.Error("replay inside window accepted")
	}
}

func TestLimitRejected(t *testing.T) {
	var filter Filter
	if filter.ValidateCounter(testLimit, testLimit) {
		t.Error("counter at limit accepted")
	}
	if filter.ValidateCounter(testLimit+1, testLimit) {
		t.Error("counter above limit accepted")
	}
	if !filter.ValidateCounter(testLimit-1, testLimit) {
		t.Error("counter just below limit rejected")
	}
}

func TestReset(t *testing.T) {
	var filter Filter
	for i := uint64(0); i < 10; i++ {
		filter.ValidateCounter(i, testLimit)
	}
	filter.Reset()
	if !filter.ValidateCounter(0, testLimit) {
		t.Error("counter 0 rejected after reset")
	}
}

func TestSequentialThenReplay(t *testing.T) {
	var filter Filter
	for i := uint64(0); i < 3*windowSize; i++ {
		if !filter.ValidateCounter(i, testLimit) {
			t.Fatalf("in-order counter %d rejected", i)
		}
	}
	for i := uint64(0); i < 3*windowSize; i += windowSize / 3 {
		if filter.ValidateCounter(i, testLimit) {
			t.Errorf("replayed counter %d accepted", i)
		}
	}
}
