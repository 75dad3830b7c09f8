package lifecycle

import (
	"strconv"
	"time"

	"github.com/nadmax/lancachectl/internal/operation"
)

// Spec describes how one operation kind is tracked.
type Spec struct {
	Kind         operation.Kind
	Label        string
	TTL          time.Duration
	PollInterval time.Duration
	Events       []string
	// MatchService filters push payloads on the "service" metadata value.
	MatchService bool
	// DetailsKeyFrom names the metadata value that identifies this kind's
	// notifications. Empty means the operation id.
	DetailsKeyFrom string
}

func (s Spec) StorageKey() string {
	return "operation:" + s.Kind.String()
}

func (s Spec) detailsKey(id string, metadata map[string]any) string {
	if s.DetailsKeyFrom == "" {
		return id
	}
	switch v := metadata[s.DetailsKeyFrom].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return id
}

var catalogue = []Spec{
	{
		Kind:         operation.KindCacheClearing,
		Label:        "Cache clear",
		TTL:          30 * time.Second,
		PollInterval: time.Second,
	},
	{
		Kind:         operation.KindLogProcessing,
		Label:        "Log processing",
		TTL:          120 * time.Second,
		PollInterval: 3 * time.Second,
		Events:       []string{"ProcessingProgress", "BulkProcessingComplete"},
	},
	{
		Kind:         operation.KindGameDetection,
		Label:        "Game detection",
		TTL:          120 * time.Second,
		PollInterval: 5 * time.Second,
		Events:       []string{"GameDetectionStatus"},
	},
	{
		Kind:         operation.KindServiceRemoval,
		Label:        "Service log removal",
		TTL:          30 * time.Second,
		PollInterval: 3 * time.Second,
		Events:       []string{"LogRemovalProgress", "LogRemovalComplete"},
		MatchService: true,
	},
	{
		Kind:         operation.KindCorruptionRemoval,
		Label:        "Corruption removal",
		TTL:          30 * time.Second,
		PollInterval: 3 * time.Second,
	},
	{
		Kind:         operation.KindDatabaseReset,
		Label:        "Database reset",
		TTL:          120 * time.Second,
		PollInterval: time.Second,
		Events:       []string{"DatabaseResetProgress"},
	},
	{
		Kind:         operation.KindDepotMapping,
		Label:        "Depot mapping",
		TTL:          120 * time.Second,
		PollInterval: 3 * time.Second,
		Events:       []string{"DepotMappingStarted", "DepotMappingProgress", "DepotPostProcessingFailed"},
	},
	{
		Kind:           operation.KindGameRemoval,
		Label:          "Game removal",
		TTL:            120 * time.Second,
		PollInterval:   3 * time.Second,
		DetailsKeyFrom: "appId",
	},
	{
		Kind:         operation.KindCorruptionScan,
		Label:        "Corruption detection",
		TTL:          120 * time.Second,
		PollInterval: 3 * time.Second,
	},
}

// Kinds returns a copy of the per-kind catalogue.
func Kinds() []Spec {
	out := make([]Spec, len(catalogue))
	copy(out, catalogue)
	return out
}

func SpecFor(kind operation.Kind) (Spec, bool) {
	for _, s := range catalogue {
		if s.Kind == kind {
			return s, true
		}
	}
	return Spec{}, false
}
