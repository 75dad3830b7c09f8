package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MigrationMarkerKey is written to the legacy store once its records have been
// imported, so later migrations are no-ops.
const MigrationMarkerKey = "__migrated_to_backend"

const markerTTL = 10 * 365 * 24 * time.Hour

// Migrate imports every live record from the legacy client-local store into
// dst, preserving the remaining TTL, and removes the imported keys from the
// legacy store. It returns the number of records imported.
func Migrate(ctx context.Context, legacy *BoltStore, dst Store) (int, error) {
	if _, err := legacy.Get(ctx, MigrationMarkerKey); err == nil {
		return 0, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("failed to read migration marker: %w", err)
	}

	keys, err := legacy.Keys()
	if err != nil {
		return 0, fmt.Errorf("failed to list legacy keys: %w", err)
	}

	imported := 0
	for _, key := range keys {
		if key == MigrationMarkerKey {
			continue
		}

		ttl, err := legacy.Remaining(key)
		if errors.Is(err, ErrNotFound) {
			if err := legacy.Delete(ctx, key); err != nil {
				return imported, fmt.Errorf("failed to drop expired key %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return imported, err
		}

		value, err := legacy.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return imported, err
		}

		if err := dst.Put(ctx, key, value, ttl); err != nil {
			return imported, fmt.Errorf("failed to import key %s: %w", key, err)
		}
		if err := legacy.Delete(ctx, key); err != nil {
			return imported, fmt.Errorf("failed to remove imported key %s: %w", key, err)
		}
		imported++
	}

	if err := legacy.Put(ctx, MigrationMarkerKey, []byte(`true`), markerTTL); err != nil {
		return imported, fmt.Errorf("failed to write migration marker: %w", err)
	}

	return imported, nil
}
