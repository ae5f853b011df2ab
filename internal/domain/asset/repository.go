package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ListFilter narrows List. Zero value lists everything, newest first.
type ListFilter struct {
	OwnerID  int64
	Statuses []Status
	Limit    int
}

type Repository interface {
	Create(ctx context.Context, a *Asset) error
	GetByID(ctx context.Context, id string) (*Asset, error)
	List(ctx context.Context, f ListFilter) ([]*Asset, error)
	// UpdateState applies a pipeline write. It never inserts, never regresses progress
	// and never leaves a terminal status. A terminal write drops the lease.
	UpdateState(ctx context.Context, id string, u StateUpdate) error
	// Claim moves a pending asset, or a processing one whose lease is free, expired or
	// already l.Owner's, to processing under lease l. It returns ErrAlreadyProcessing when
	// another owner's lease is live at now and ErrAlreadyFinished for terminal assets.
	Claim(ctx context.Context, id string, l Lease, now time.Time) (*Asset, error)
	// Renew extends l.Owner's lease to l.Until, or fails with ErrLeaseLost.
	Renew(ctx context.Context, id string, l Lease) error
	// Release gives up owner's lease so another worker can claim the asset at once.
	Release(ctx context.Context, id, owner string) error
	// DeleteTx removes the record and runs beforeCommit inside the same transaction;
	// an error from beforeCommit rolls the removal back.
	DeleteTx(ctx context.Context, id string, beforeCommit func(ctx context.Context) error) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Migrate creates or updates the assets table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Asset{})
}

func (r *repository) Create(ctx context.Context, a *Asset) error {
	err := r.db.WithContext(ctx).Create(a).Error
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAssetExists
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAssetExists
	}
	return err
}

func (r *repository) GetByID(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repository) List(ctx context.Context, f ListFilter) ([]*Asset, error) {
	q := r.db.WithContext(ctx).Model(&Asset{})
	if f.OwnerID != 0 {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var assets []*Asset
	err := q.Order("created_at DESC").Find(&assets).Error
	return assets, err
}

func (r *repository) UpdateState(ctx context.Context, id string, u StateUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	fields := map[string]any{
		"status":        string(u.Status),
		"progress":      u.Progress,
		"status_reason": u.Reason,
		"updated_at":    time.Now(),
	}
	if u.Status.IsTerminal() {
		fields["lease_owner"] = ""
		fields["lease_expires"] = 0
	}

	q := r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ? AND status IN ? AND progress <= ?", id, sourcesOf(u.Status), u.Progress)
	if u.Owner != "" {
		q = q.Where("lease_owner = ?", u.Owner)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if u.Owner != "" && cur.LeaseOwner != u.Owner && cur.Status == StatusProcessing {
		return ErrLeaseLost
	}
	if !cur.Status.CanTransition(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, u.Status)
	}
	if cur.Progress > u.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, cur.Progress, u.Progress)
	}
	// the row changed between the write and the read
	return ErrInvalidTransition
}

func (r *repository) Claim(ctx context.Context, id string, l Lease, now time.Time) (*Asset, error) {
	if l.Owner == "" {
		return nil, errors.New("claim: lease owner is required")
	}

	res := r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ?", id).
		Where("(status = ? OR (status = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires < ?)))",
			string(StatusPending), string(StatusProcessing), l.Owner, now.UnixMilli()).
		Updates(map[string]any{
			"status":        string(StatusProcessing),
			"lease_owner":   l.Owner,
			"lease_expires": l.Until.UnixMilli(),
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected > 0 && cur.LeaseOwner == l.Owner {
		return cur, nil
	}
	if cur.Status.IsTerminal() {
		return nil, ErrAlreadyFinished
	}
	return nil, ErrAlreadyProcessing
}

func (r *repository) Renew(ctx context.Context, id string, l Lease) error {
	res := r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, string(StatusProcessing), l.Owner).
		Update("lease_expires", l.Until.UnixMilli())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrLeaseLost
}

func (r *repository) Release(ctx context.Context, id, owner string) error {
	return r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": "", "lease_expires": 0}).Error
}

func (r *repository) DeleteTx(ctx context.Context, id string, beforeCommit func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&Asset{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAssetNotFound
		}
		if beforeCommit == nil {
			return nil
		}
		return beforeCommit(ctx)
	})
}

// sourcesOf lists every status CanTransition allows to move to "to".
func sourcesOf(to Status) []string {
	var out []string
	for _, s := range []Status{StatusPending, StatusProcessing, StatusSafe, StatusFlagged} {
		if s.CanTransition(to) {
			out = append(out, string(s))
		}
	}
	return out
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
