package entitlement

import (
	"errors"
	"testing"
)

func TestFor(t *testing.T) {
	cases := []struct {
		tier      string
		alerts    int
		watchlist int
	}{
		{"free", 3, 10},
		{"PRO", 25, 100},
		{" enterprise ", 100, Unlimited},
		{"", 3, 10},
	}
	for _, tc := range cases {
		l, err := For(tc.tier, "")
		if err != nil {
			t.Fatalf("%q: %v", tc.tier, err)
		}
		if l.Alerts != tc.alerts || l.Watchlist != tc.watchlist {
			t.Fatalf("%q: got %+v", tc.tier, l)
		}
	}
	if l, _ := For("", "pro"); l.Tier != TierPro {
		t.Fatalf("fallback tier ignored: %+v", l)
	}
	if _, err := For("platinum", ""); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected unknown tier, got %v", err)
	}
}

func TestRemaining(t *testing.T) {
	if Remaining(3, 1) != 2 || Remaining(3, 5) != 0 || Remaining(Unlimited, 1000) != Unlimited {
		t.Fatalf("remaining counts wrong")
	}
}
