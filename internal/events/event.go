package events

import (
	"time"

	"pulse/internal/domain/asset"
)

type EventType string

const (
	// EventStatus carries a state change: status and progress together.
	EventStatus EventType = "asset_status_update"
	// EventProgress carries a progress tick only.
	EventProgress EventType = "asset_progress_update"
)

// Event is what subscribers receive. Status is empty on progress-only events.
type Event struct {
	Type     EventType    `json:"type"`
	AssetID  string       `json:"asset_id"`
	Status   asset.Status `json:"status,omitempty"`
	Progress int          `json:"progress"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

func StatusChanged(assetID string, status asset.Status, progress int, reason string) Event {
	return Event{
		Type:     EventStatus,
		AssetID:  assetID,
		Status:   status,
		Progress: progress,
		Reason:   reason,
		At:       time.Now().UTC(),
	}
}

func ProgressChanged(assetID string, progress int) Event {
	return Event{
		Type:     EventProgress,
		AssetID:  assetID,
		Progress: progress,
		At:       time.Now().UTC(),
	}
}

// Publisher is the write side of the hub, as seen by the pipeline.
type Publisher interface {
	Publish(ev Event)
}
