package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nadmax/lancachectl/internal/operation"
)

// envelope carries the routing fields of an inbound document, used to decide
// whether it belongs to the attached operation.
type envelope struct {
	OperationID string
	Service     string
}

// payload is implemented by each event-specific document shape.
type payload interface {
	normalize() (operation.Snapshot, envelope)
}

// progressFields are shared by status documents and most progress events.
// percentComplete and progress are aliases; event/success/cancelled come from
// the processors' progress-line format.
type progressFields struct {
	OperationID     string   `json:"operationId"`
	Status          string   `json:"status"`
	PercentComplete *float64 `json:"percentComplete"`
	Progress        *float64 `json:"progress"`
	Message         string   `json:"message"`
	DetailMessage   string   `json:"detailMessage"`
	Details         string   `json:"details"`
	Sequence        uint64   `json:"sequence"`
	IsProcessing    *bool    `json:"isProcessing"`
	Success         *bool    `json:"success"`
	Cancelled       bool     `json:"cancelled"`
	Error           string   `json:"error"`
	Event           string   `json:"event"`
}

func (p progressFields) percent() float64 {
	switch {
	case p.PercentComplete != nil:
		return operation.ClampPercent(*p.PercentComplete)
	case p.Progress != nil:
		return operation.ClampPercent(*p.Progress)
	default:
		return 0
	}
}

func (p progressFields) detail() string {
	if p.DetailMessage != "" {
		return p.DetailMessage
	}
	return p.Details
}

func (p progressFields) status(fallback operation.Status) operation.Status {
	if p.Cancelled {
		return operation.StatusCancelled
	}

	if s, ok := operation.ParseStatus(p.Status); ok {
		if s == operation.StatusCompleted && p.Success != nil && !*p.Success {
			return operation.StatusFailed
		}
		return s
	}

	switch p.Event {
	case "started":
		return operation.StatusPreparing
	case "progress":
		return operation.StatusRunning
	case "complete":
		return completion(p.Success, p.Error)
	}

	if p.IsProcessing != nil {
		if *p.IsProcessing {
			return operation.StatusRunning
		}
		return completion(p.Success, p.Error)
	}

	return fallback
}

func completion(success *bool, errMsg string) operation.Status {
	if (success != nil && !*success) || errMsg != "" {
		return operation.StatusFailed
	}
	return operation.StatusCompleted
}

func (p progressFields) snapshot(fallback operation.Status) operation.Snapshot {
	return operation.Snapshot{
		OperationID:     p.OperationID,
		Status:          p.status(fallback),
		PercentComplete: p.percent(),
		Message:         p.Message,
		DetailMessage:   p.detail(),
		Sequence:        p.Sequence,
	}
}

// statusDocument is the body of GET .../status/{id}.
type statusDocument struct {
	progressFields
	BytesDeleted          int64  `json:"bytesDeleted"`
	FilesDeleted          int64  `json:"filesDeleted"`
	EntriesProcessed      int64  `json:"entriesProcessed"`
	LinesProcessed        int64  `json:"linesProcessed"`
	LinesRemoved          int64  `json:"linesRemoved"`
	TotalGamesDetected    int    `json:"totalGamesDetected"`
	TotalServicesDetected int    `json:"totalServicesDetected"`
	Service               string `json:"service"`
	// Game removal reports under its own names.
	CacheFilesDeleted int64 `json:"cacheFilesDeleted"`
	TotalBytesFreed   int64 `json:"totalBytesFreed"`
	TotalCorrupted    int64 `json:"totalCorrupted"`
}

func (d *statusDocument) normalize() (operation.Snapshot, envelope) {
	snap := d.snapshot(operation.StatusRunning)
	entries := d.EntriesProcessed
	if entries == 0 {
		entries = d.LinesProcessed
	}
	snap.Result = &operation.Result{
		BytesDeleted:     max(d.BytesDeleted, d.TotalBytesFreed),
		FilesDeleted:     max(d.FilesDeleted, d.CacheFilesDeleted),
		CorruptedChunks:  d.TotalCorrupted,
		EntriesProcessed: entries,
		LinesRemoved:     d.LinesRemoved,
		GamesDetected:    d.TotalGamesDetected,
		ServicesDetected: d.TotalServicesDetected,
		Service:          d.Service,
		Error:            d.Error,
	}

	return snap, envelope{OperationID: d.OperationID, Service: d.Service}
}

type processingProgress struct {
	progressFields
	LinesProcessed   int64 `json:"linesProcessed"`
	EntriesProcessed int64 `json:"entriesProcessed"`
}

func (e *processingProgress) normalize() (operation.Snapshot, envelope) {
	snap := e.snapshot(operation.StatusRunning)
	snap.Result = &operation.Result{EntriesProcessed: max(e.EntriesProcessed, e.LinesProcessed), Error: e.Error}
	return snap, envelope{OperationID: e.OperationID}
}

type bulkProcessingComplete struct {
	OperationID      string `json:"operationId"`
	Success          *bool  `json:"success"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	EntriesProcessed int64  `json:"entriesProcessed"`
	LinesProcessed   int64  `json:"linesProcessed"`
	Elapsed          string `json:"elapsed"`
}

func (e *bulkProcessingComplete) normalize() (operation.Snapshot, envelope) {
	snap := operation.Snapshot{
		OperationID:     e.OperationID,
		Status:          completion(e.Success, e.Error),
		PercentComplete: 100,
		Message:         e.Message,
		Result: &operation.Result{
			EntriesProcessed: max(e.EntriesProcessed, e.LinesProcessed),
			Error:            e.Error,
		},
	}
	if e.Elapsed != "" {
		snap.DetailMessage = "Elapsed " + e.Elapsed
	}

	return snap, envelope{OperationID: e.OperationID}
}

type depotMappingStarted struct {
	OperationID string `json:"operationId"`
	Message     string `json:"message"`
}

func (e *depotMappingStarted) normalize() (operation.Snapshot, envelope) {
	return operation.Snapshot{
		OperationID: e.OperationID,
		Status:      operation.StatusPreparing,
		Message:     e.Message,
	}, envelope{OperationID: e.OperationID}
}

type depotMappingProgress struct {
	progressFields
	ProcessedMappings int `json:"processedMappings"`
	TotalMappings     int `json:"totalMappings"`
}

func (e *depotMappingProgress) normalize() (operation.Snapshot, envelope) {
	snap := e.snapshot(operation.StatusRunning)
	if snap.DetailMessage == "" && e.TotalMappings > 0 {
		snap.DetailMessage = fmt.Sprintf("%d of %d mappings", e.ProcessedMappings, e.TotalMappings)
	}
	snap.Result = &operation.Result{EntriesProcessed: int64(e.ProcessedMappings), Error: e.Error}
	return snap, envelope{OperationID: e.OperationID}
}

type depotPostProcessingFailed struct {
	OperationID string `json:"operationId"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func (e *depotPostProcessingFailed) normalize() (operation.Snapshot, envelope) {
	errMsg := e.Error
	if errMsg == "" {
		errMsg = e.Message
	}

	return operation.Snapshot{
		OperationID: e.OperationID,
		Status:      operation.StatusFailed,
		Message:     e.Message,
		Result:      &operation.Result{Error: errMsg},
	}, envelope{OperationID: e.OperationID}
}

type databaseResetProgress struct {
	progressFields
	TablesCleared int `json:"tablesCleared"`
	TotalTables   int `json:"totalTables"`
}

func (e *databaseResetProgress) normalize() (operation.Snapshot, envelope) {
	snap := e.snapshot(operation.StatusRunning)
	if snap.DetailMessage == "" && e.TotalTables > 0 {
		snap.DetailMessage = fmt.Sprintf("%d of %d tables cleared", e.TablesCleared, e.TotalTables)
	}
	snap.Result = &operation.Result{Error: e.Error}
	return snap, envelope{OperationID: e.OperationID}
}

type logRemovalProgress struct {
	progressFields
	Service        string `json:"service"`
	LinesProcessed int64  `json:"linesProcessed"`
	LinesRemoved   int64  `json:"linesRemoved"`
}

func (e *logRemovalProgress) normalize() (operation.Snapshot, envelope) {
	snap := e.snapshot(operation.StatusRunning)
	snap.Result = &operation.Result{
		EntriesProcessed: e.LinesProcessed,
		LinesRemoved:     e.LinesRemoved,
		Service:          e.Service,
		Error:            e.Error,
	}
	return snap, envelope{OperationID: e.OperationID, Service: e.Service}
}

type logRemovalComplete struct {
	OperationID  string `json:"operationId"`
	Success      *bool  `json:"success"`
	Service      string `json:"service"`
	Message      string `json:"message"`
	Error        string `json:"error"`
	LinesRemoved int64  `json:"linesRemoved"`
}

func (e *logRemovalComplete) normalize() (operation.Snapshot, envelope) {
	status := completion(e.Success, e.Error)
	errMsg := e.Error
	if status == operation.StatusFailed && errMsg == "" {
		errMsg = e.Message
	}

	return operation.Snapshot{
		OperationID:     e.OperationID,
		Status:          status,
		PercentComplete: 100,
		Message:         e.Message,
		Result: &operation.Result{
			LinesRemoved: e.LinesRemoved,
			Service:      e.Service,
			Error:        errMsg,
		},
	}, envelope{OperationID: e.OperationID, Service: e.Service}
}

type gameDetectionStatus struct {
	progressFields
	TotalGamesDetected    int `json:"totalGamesDetected"`
	TotalServicesDetected int `json:"totalServicesDetected"`
}

func (e *gameDetectionStatus) normalize() (operation.Snapshot, envelope) {
	snap := e.snapshot(operation.StatusRunning)
	snap.Result = &operation.Result{
		GamesDetected:    e.TotalGamesDetected,
		ServicesDetected: e.TotalServicesDetected,
		Error:            e.Error,
	}
	return snap, envelope{OperationID: e.OperationID}
}

var eventPayloads = map[string]func() payload{
	"ProcessingProgress":        func() payload { return &processingProgress{} },
	"BulkProcessingComplete":    func() payload { return &bulkProcessingComplete{} },
	"DepotMappingStarted":       func() payload { return &depotMappingStarted{} },
	"DepotMappingProgress":      func() payload { return &depotMappingProgress{} },
	"DepotPostProcessingFailed": func() payload { return &depotPostProcessingFailed{} },
	"DatabaseResetProgress":     func() payload { return &databaseResetProgress{} },
	"LogRemovalProgress":        func() payload { return &logRemovalProgress{} },
	"LogRemovalComplete":        func() payload { return &logRemovalComplete{} },
	"GameDetectionStatus":       func() payload { return &gameDetectionStatus{} },
}

func knownEvent(event string) bool {
	_, ok := eventPayloads[event]
	return ok
}

// NormalizeEvent decodes a push event into a snapshot for kind.
func NormalizeEvent(kind operation.Kind, event string, data json.RawMessage) (operation.Snapshot, envelope, error) {
	factory, ok := eventPayloads[event]
	if !ok {
		return operation.Snapshot{}, envelope{}, fmt.Errorf("unknown event %q", event)
	}

	return decode(kind, factory(), data)
}

// NormalizeStatus decodes a polled status document into a snapshot for kind.
func NormalizeStatus(kind operation.Kind, data json.RawMessage) (operation.Snapshot, envelope, error) {
	return decode(kind, &statusDocument{}, data)
}

func decode(kind operation.Kind, p payload, data json.RawMessage) (operation.Snapshot, envelope, error) {
	if err := json.Unmarshal(data, p); err != nil {
		return operation.Snapshot{}, envelope{}, fmt.Errorf("failed to decode %T: %w", p, err)
	}

	snap, env := p.normalize()
	snap.Kind = kind
	snap.ReceivedAt = time.Now()
	if !snap.IsTerminal() {
		snap.Result = nil
	}

	return snap, env, nil
}
