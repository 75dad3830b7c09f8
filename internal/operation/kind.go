// Package operation defines the domain model shared by the operation store, the
// status channel and the lifecycle controllers: operation kinds, statuses, the
// persisted recovery record and the normalized status snapshot.
package operation

import "fmt"

type Kind string

const (
	KindCacheClearing     Kind = "cache-clearing"
	KindLogProcessing     Kind = "log-processing"
	KindGameDetection     Kind = "game-detection"
	KindServiceRemoval    Kind = "service-removal"
	KindCorruptionRemoval Kind = "corruption-removal"
	KindDatabaseReset     Kind = "database-reset"
	KindDepotMapping      Kind = "depot-mapping"
	KindGameRemoval       Kind = "game-removal"
	KindCorruptionScan    Kind = "corruption-detection"
)

var allKinds = []Kind{
	KindCacheClearing,
	KindLogProcessing,
	KindGameDetection,
	KindServiceRemoval,
	KindCorruptionRemoval,
	KindDatabaseReset,
	KindDepotMapping,
	KindGameRemoval,
	KindCorruptionScan,
}

// AllKinds returns every known kind in a stable order.
func AllKinds() []Kind {
	kinds := make([]Kind, len(allKinds))
	copy(kinds, allKinds)
	return kinds
}

func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("unknown operation kind: %q", s)
}

func (k Kind) String() string {
	return string(k)
}
