package ingest

import (
	"context"
	"time"

	"marketpulse/internal/repository"
)

const missTTL = time.Minute

// resolver maps venue ids to token ids. Unknown ids are remembered for a
// minute so a burst of frames for an unsynced market costs one query.
type resolver struct {
	catalog repository.CatalogRepository
	known   map[string]uint64
	misses  map[string]time.Time
}

func newResolver(catalog repository.CatalogRepository) *resolver {
	return &resolver{catalog: catalog, known: map[string]uint64{}, misses: map[string]time.Time{}}
}

func (r *resolver) lookup(ctx context.Context, externalID string, now time.Time) (uint64, error) {
	if id, ok := r.known[externalID]; ok {
		return id, nil
	}
	if at, ok := r.misses[externalID]; ok && now.Sub(at) < missTTL {
		return 0, nil
	}
	tokens, err := r.catalog.ListTokensByExternalIDs(ctx, []string{externalID})
	if err != nil {
		return 0, err
	}
	for _, tok := range tokens {
		r.known[tok.ExternalID] = tok.ID
	}
	if id, ok := r.known[externalID]; ok {
		delete(r.misses, externalID)
		return id, nil
	}
	r.misses[externalID] = now
	return 0, nil
}
