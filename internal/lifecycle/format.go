package lifecycle

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/nadmax/lancachectl/internal/operation"
)

const gibibyte = 1 << 30

// FormatBytes renders sizes the way the backend reports them: two decimals
// in GB from 1 GiB upwards, IEC units below that.
func FormatBytes(b int64) string {
	if b >= gibibyte {
		return humanize.FormatFloat("#,###.##", float64(b)/gibibyte) + " GB"
	}
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

func resultMessage(spec Spec, snap operation.Snapshot, metadata map[string]any) string {
	r := snap.Result
	if r == nil {
		r = &operation.Result{}
	}
	service := r.Service
	if service == "" {
		service, _ = metadata["service"].(string)
	}

	switch snap.Status {
	case operation.StatusCancelled:
		return spec.Label + " cancelled"
	case operation.StatusFailed:
		return failureMessage(spec, snap, service)
	}

	switch spec.Kind {
	case operation.KindCacheClearing:
		msg := "Cache cleared: " + FormatBytes(r.BytesDeleted) + " freed"
		if r.FilesDeleted > 0 {
			msg += fmt.Sprintf(" across %s files", humanize.Comma(r.FilesDeleted))
		}
		return msg
	case operation.KindLogProcessing:
		return fmt.Sprintf("Processed %s log entries", humanize.Comma(r.EntriesProcessed))
	case operation.KindGameDetection:
		return fmt.Sprintf("Detected %d games and %d services", r.GamesDetected, r.ServicesDetected)
	case operation.KindServiceRemoval:
		return fmt.Sprintf("Removed %s logs (%s lines)", service, humanize.Comma(r.LinesRemoved))
	case operation.KindCorruptionRemoval:
		msg := "Corrupted chunks removed"
		if service != "" {
			msg += " for " + service
		}
		if r.BytesDeleted > 0 {
			msg += ", " + FormatBytes(r.BytesDeleted) + " freed"
		}
		return msg
	case operation.KindGameRemoval:
		msg := "Game cache removed"
		if appID := spec.detailsKey("", metadata); appID != "" {
			msg = "Removed cache for app " + appID
		}
		msg += ": " + FormatBytes(r.BytesDeleted) + " freed"
		if r.FilesDeleted > 0 {
			msg += fmt.Sprintf(" across %s files", humanize.Comma(r.FilesDeleted))
		}
		return msg
	case operation.KindCorruptionScan:
		if r.CorruptedChunks == 0 {
			return "Corruption scan complete: no corrupted chunks found"
		}
		return fmt.Sprintf("Corruption scan complete: %s corrupted chunks found", humanize.Comma(r.CorruptedChunks))
	case operation.KindDepotMapping:
		if r.EntriesProcessed > 0 {
			return fmt.Sprintf("Depot mapping completed (%s mappings)", humanize.Comma(r.EntriesProcessed))
		}
	}

	if snap.Message != "" {
		return snap.Message
	}
	return spec.Label + " completed"
}

func failureMessage(spec Spec, snap operation.Snapshot, service string) string {
	reason := ""
	if snap.Result != nil {
		reason = snap.Result.Error
	}
	if reason == "" {
		reason = snap.Message
	}
	if reason == "" {
		reason = "unknown error"
	}

	switch {
	case spec.Kind == operation.KindServiceRemoval && service != "":
		return fmt.Sprintf("Failed to remove %s logs: %s", service, reason)
	case spec.Kind == operation.KindCorruptionRemoval && service != "":
		return fmt.Sprintf("Failed to remove corrupted chunks for %s: %s", service, reason)
	default:
		return fmt.Sprintf("%s failed: %s", spec.Label, reason)
	}
}
