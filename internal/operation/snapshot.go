package operation

import "time"

// Snapshot is the transport-independent view of an operation delivered by the
// status channel. Message fields replace the previous values wholesale.
type Snapshot struct {
	OperationID     string    `json:"operationId,omitempty"`
	Kind            Kind      `json:"kind"`
	Status          Status    `json:"status"`
	PercentComplete float64   `json:"percentComplete"`
	Message         string    `json:"message,omitempty"`
	DetailMessage   string    `json:"detailMessage,omitempty"`
	Sequence        uint64    `json:"sequence,omitempty"`
	Result          *Result   `json:"result,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// Result holds the fields that are only meaningful once a snapshot is terminal.
type Result struct {
	BytesDeleted     int64  `json:"bytesDeleted,omitempty"`
	FilesDeleted     int64  `json:"filesDeleted,omitempty"`
	EntriesProcessed int64  `json:"entriesProcessed,omitempty"`
	LinesRemoved     int64  `json:"linesRemoved,omitempty"`
	GamesDetected    int    `json:"gamesDetected,omitempty"`
	ServicesDetected int    `json:"servicesDetected,omitempty"`
	CorruptedChunks  int64  `json:"corruptedChunks,omitempty"`
	Service          string `json:"service,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (s Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

func ClampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
