package offlineagent

import (
	"context"
	"fmt"

	"github.com/always-cache/offline-agent/cache"
)

// TrimStore deletes the oldest entries of the store until at most maxEntries entries remain.
// Entries are evicted first in, first out; reads do not refresh an entry.
// It returns the number of deleted entries.
func TrimStore(ctx context.Context, store cache.Store, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	evicted := 0
	keys, err := store.Keys(ctx)
	if err != nil {
		return evicted, fmt.Errorf("keys of %s: %w", store.Name(), err)
	}
	for len(keys) > maxEntries {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		deleted, err := store.Delete(ctx, keys[0])
		if err != nil {
			return evicted, fmt.Errorf("delete %s: %w", keys[0], err)
		}
		if deleted {
			evicted++
		}
		// keys may have changed concurrently
		keys, err = store.Keys(ctx)
		if err != nil {
			return evicted, fmt.Errorf("keys of %s: %w", store.Name(), err)
		}
	}
	return evicted, nil
}
