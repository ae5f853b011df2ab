package asset

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSafe       Status = "safe"
	StatusFlagged    Status = "flagged"
)

// ReasonClassificationFailed marks assets flagged because the classifier could not
// produce a verdict.
const ReasonClassificationFailed = "classification_failed"

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSafe || s == StatusFlagged
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSafe, StatusFlagged:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal move.
// processing -> processing is allowed so a resumed task can re-announce itself.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to.IsTerminal()
	}
	return false
}

// Asset is one uploaded media item. StorageKey is owned by the blob store and is never
// serialized to clients.
type Asset struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	OriginalName    string    `gorm:"column:original_name" json:"original_name"`
	StorageKey      string    `gorm:"column:storage_key" json:"-"`
	SizeBytes       int64     `gorm:"column:size_bytes" json:"size_bytes"`
	MimeType        string    `gorm:"column:mime_type" json:"mime_type"`
	DurationSeconds float64   `gorm:"column:duration_seconds" json:"duration_seconds"`
	OwnerID         int64     `gorm:"column:owner_id;index" json:"owner_id"`
	Status          Status    `gorm:"column:status;index" json:"status"`
	Progress        int       `gorm:"column:progress" json:"progress"`
	StatusReason    string    `gorm:"column:status_reason" json:"status_reason,omitempty"`
	LeaseOwner      string    `gorm:"column:lease_owner;not null;default:''" json:"-"`
	LeaseExpires    int64     `gorm:"column:lease_expires;not null;default:0" json:"-"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Asset) TableName() string { return "assets" }

// ReadyForPlayback is true once the pipeline has reached a verdict.
func (a *Asset) ReadyForPlayback() bool {
	return a.Status.IsTerminal()
}

// Lease is a pipeline worker's time-bounded claim on an asset. Owner identifies the
// worker across processes; Until is stored with millisecond precision.
type Lease struct {
	Owner string
	Until time.Time
}

// StateUpdate is a status/progress write issued by the pipeline. A non-empty Owner
// fences the write: it only lands while Owner still holds the asset's lease.
type StateUpdate struct {
	Status   Status
	Progress int
	Reason   string
	Owner    string
}

// Validate checks the update in isolation: progress range and the progress/status pairing.
func (u StateUpdate) Validate() error {
	if !u.Status.Valid() || u.Status == StatusPending {
		return ErrInvalidTransition
	}
	if u.Progress < 0 || u.Progress > 100 {
		return ErrInvalidTransition
	}
	if u.Status.IsTerminal() != (u.Progress == 100) {
		return ErrInvalidTransition
	}
	return nil
}

// Caller is the identity fact the boundary hands to the domain.
type Caller struct {
	UserID int64
	Role   string
}

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }
