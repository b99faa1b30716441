package catalog

import (
	"context"

	"marketpulse/internal/repository"
	"marketpulse/internal/stream"
)

// StreamIDs lists the external ids of the busiest active markets on venue.
func StreamIDs(store repository.CatalogRepository, venue string, limit int) stream.IDProvider {
	return func(ctx context.Context) ([]string, error) {
		tokens, err := store.ListStreamTokens(ctx, venue, limit)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			ids = append(ids, tok.ExternalID)
		}
		return ids, nil
	}
}
