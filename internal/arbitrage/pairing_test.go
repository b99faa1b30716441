package arbitrage

import (
	"context"
	"errors"
	"testing"

	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

func TestNormalizeAndSimilarity(t *testing.T) {
	if got := NormalizeTitle("  Will BTC hit $100k -- by June?! "); got != "will btc hit 100k by june" {
		t.Fatalf("normalize=%q", got)
	}
	if s := Similarity("Fed cuts rates in May?", "fed cuts rates in may"); s != 1 {
		t.Fatalf("exact similarity=%v", s)
	}
	if s := Similarity("abcd", "abce"); s != 0.75 {
		t.Fatalf("similarity=%v", s)
	}
	if s := Similarity("", "x"); s != 0 {
		t.Fatalf("empty similarity=%v", s)
	}
}

func TestSuggestAndAutoPair(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seed(t, store, models.VenuePolymarket, "p1", "Fed cuts rates in May?")
	seed(t, store, models.VenuePolymarket, "p2", "Will it snow in Paris on Christmas")
	seed(t, store, models.VenuePolymarket, "p3", "Something unrelated entirely")
	k1, _ := seed(t, store, models.VenueKalshi, "K1", "Fed cuts rates in May")
	seed(t, store, models.VenueKalshi, "K2", "Will it snow in Paris on Christmas?!")
	seed(t, store, models.VenueKalshi, "K3", "Will it snow in Paris on New Year")

	m := NewMatcher(store, store, 0.85, nil)
	got, err := m.Suggest(ctx, 10)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("suggestions=%+v", got)
	}
	for _, s := range got {
		if s.Method != models.MatchExact || s.Similarity != 1 {
			t.Fatalf("unexpected suggestion %+v", s)
		}
	}

	created, err := m.AutoPair(ctx)
	if err != nil || created != 2 {
		t.Fatalf("auto pair created=%d err=%v", created, err)
	}
	if again, _ := m.Suggest(ctx, 10); len(again) != 0 {
		t.Fatalf("paired tokens suggested again: %+v", again)
	}

	// K1 is already paired.
	p3 := mustYes(t, store, "p3-yes")
	if _, err := m.CreatePair(ctx, p3, k1.ID, ""); !errors.Is(err, repository.ErrPairConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := m.CreatePair(ctx, k1.ID, p3, ""); !errors.Is(err, ErrInvalidPair) {
		t.Fatalf("expected invalid pair, got %v", err)
	}
}

func mustYes(t *testing.T, store interface {
	ListTokensByExternalIDs(ctx context.Context, ids []string) ([]models.Token, error)
}, externalID string) uint64 {
	t.Helper()
	tokens, err := store.ListTokensByExternalIDs(context.Background(), []string{externalID})
	if err != nil || len(tokens) != 1 {
		t.Fatalf("token %s: %v", externalID, err)
	}
	return tokens[0].ID
}
