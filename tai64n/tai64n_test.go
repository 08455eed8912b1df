package tai64n

import (
	"testing"
	"time"
)

func TestMonotonicAcrossWhitening(t *testing.T) {
	// Two stamps taken more than the whitening granularity apart must
	// order correctly even though low nanosecond bits are cleared.
	t1 := stamp(time.Unix(100, 0))
	t2 := stamp(time.Unix(100, 20_000_000))
	if !t2.After(t1) {
		t.Errorf("expected %v to be after %v", t2, t1)
	}
	if t1.After(t2) {
		t.Errorf("After is not antisymmetric")
	}
}

func TestWhiteningClearsLowBits(t *testing.T) {
	// Stamps within the same ~16.7ms bucket must compare equal-ish:
	// neither strictly after the other.
	t1 := stamp(time.Unix(100, 1))
	t2 := stamp(time.Unix(100, 2))
	if t1.After(t2) || t2.After(t1) {
		t.Errorf("whitening should collapse sub-granularity differences")
	}
}

func TestNotAfterSelf(t *testing.T) {
	ts := Now()
	if ts.After(ts) {
		t.Errorf("a timestamp must not be after itself")
	}
}

func TestSecondsDominateNanoseconds(t *testing.T) {
	t1 := stamp(time.Unix(101, 0))
	t2 := stamp(time.Unix(100, 999_000_000))
	if !t1.After(t2) {
		t.Errorf("later seconds must win regardless of nanoseconds")
	}
}
