package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/storage"
)

const (
	DefaultMaxUploadBytes = 2 << 30 // 2 GiB
	sniffLen              = 3072
)

// Processor is the status pipeline as seen by the asset service.
type Processor interface {
	// Start begins processing. It fails with ErrAlreadyProcessing when a task is active.
	Start(ctx context.Context, assetID string) error
	// Cancel stops the active task, if any, and waits for it to exit.
	Cancel(assetID string)
}

// Locker hands out exclusive per-asset locks.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// UploadInput is an already-parsed upload. Size is the declared length, or -1 if unknown.
type UploadInput struct {
	Filename        string
	MimeType        string
	Size            int64
	DurationSeconds float64
	Body            io.Reader
}

// Service owns the asset lifecycle: it stores bytes, records metadata, hands new assets
// to the pipeline and deletes record and bytes together.
type Service struct {
	repo      Repository
	blobs     storage.Store
	locks     Locker
	processor Processor
	maxBytes  int64
	log       *zap.Logger
}

func NewService(repo Repository, blobs storage.Store, locks Locker, processor Processor, maxBytes int64, log *zap.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		blobs:     blobs,
		locks:     locks,
		processor: processor,
		maxBytes:  maxBytes,
		log:       log.Named("assets"),
	}
}

// Upload stores the bytes, creates a pending record owned by caller and starts the
// pipeline. A pipeline that cannot start leaves the asset pending for Resume to pick up.
func (s *Service) Upload(ctx context.Context, caller Caller, in UploadInput) (*Asset, error) {
	if in.Size == 0 {
		return nil, ErrEmptyFile
	}
	if in.Size > s.maxBytes {
		return nil, ErrFileTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(in.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyFile
	}
	head = head[:n]

	mimeType := resolveMimeType(in.MimeType, head)
	if !allowedMimeType(mimeType) {
		return nil, ErrInvalidMimeType
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	key := storageKey(now, id, in.Filename, mimeType)

	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), in.Body), s.maxBytes+1)
	written, err := s.blobs.Put(ctx, key, body)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if written > s.maxBytes {
		s.discard(key)
		return nil, ErrFileTooLarge
	}

	duration := in.DurationSeconds
	if duration < 0 {
		duration = 0
	}

	a := &Asset{
		ID:              id,
		OriginalName:    in.Filename,
		StorageKey:      key,
		SizeBytes:       written,
		MimeType:        mimeType,
		DurationSeconds: duration,
		OwnerID:         caller.UserID,
		Status:          StatusPending,
		Progress:        0,
		CreatedAt:       now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		s.discard(key) // rollback file on DB error
		return nil, fmt.Errorf("failed to save asset record: %w", err)
	}

	s.log.Info("asset uploaded",
		zap.String("asset_id", id),
		zap.Int64("owner_id", caller.UserID),
		zap.Int64("size", written),
		zap.String("mime_type", mimeType))

	if err := s.processor.Start(ctx, id); err != nil && !errors.Is(err, ErrAlreadyProcessing) {
		s.log.Warn("pipeline did not start, asset left pending", zap.String("asset_id", id), zap.Error(err))
		return a, nil
	}
	return s.reload(ctx, a), nil
}

func (s *Service) Get(ctx context.Context, id string) (*Asset, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns assets newest first. Editors only see their own uploads.
func (s *Service) List(ctx context.Context, caller Caller, statuses []Status, limit int) ([]*Asset, error) {
	f := ListFilter{Statuses: statuses, Limit: limit}
	if caller.Role == RoleEditor {
		f.OwnerID = caller.UserID
	}
	return s.repo.List(ctx, f)
}

// Delete removes an asset for its owner or an admin. It holds the asset's write lock
// throughout, cancels any running task and then removes the record and the bytes in one
// transaction: if the bytes cannot be removed the record stays.
func (s *Service) Delete(ctx context.Context, caller Caller, id string) error {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() && a.OwnerID != caller.UserID {
		return ErrNotOwner
	}

	s.processor.Cancel(id)

	err = s.repo.DeleteTx(ctx, id, func(ctx context.Context) error {
		err := s.blobs.Delete(ctx, a.StorageKey)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: object for %s is missing", ErrStorageInconsistency, id)
		}
		return err
	})
	if err != nil {
		s.log.Error("delete failed", zap.String("asset_id", id), zap.Error(err))
		return err
	}

	s.log.Info("asset deleted", zap.String("asset_id", id), zap.Int64("by_user", caller.UserID))
	return nil
}

// Reprocess (re)starts the pipeline for an asset that has no verdict yet. A task that is
// already running is left alone.
func (s *Service) Reprocess(ctx context.Context, id string) (*Asset, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		return nil, ErrAlreadyFinished
	}

	err = s.processor.Start(ctx, id)
	if err != nil && !errors.Is(err, ErrAlreadyProcessing) {
		return nil, err
	}
	return s.reload(ctx, a), nil
}

// reload returns the current record, or fallback if it cannot be read.
func (s *Service) reload(ctx context.Context, fallback *Asset) *Asset {
	a, err := s.repo.GetByID(ctx, fallback.ID)
	if err != nil {
		return fallback
	}
	return a
}

func (s *Service) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("failed to discard stored bytes", zap.String("key", key), zap.Error(err))
	}
}

// resolveMimeType prefers the declared type and falls back to content sniffing when the
// client sent nothing useful.
func resolveMimeType(declared string, head []byte) string {
	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	detected := mimetype.Detect(head).String()
	return strings.Split(detected, ";")[0]
}

func allowedMimeType(m string) bool {
	return strings.HasPrefix(m, "video/") || strings.HasPrefix(m, "audio/")
}

// storageKey builds YYYY/MM/DD/<id>_<name><ext>.
func storageKey(now time.Time, id, filename, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !validExt(ext) {
		ext = extFor(mimeType)
	}
	return fmt.Sprintf("%d/%02d/%02d/%s_%s%s", now.Year(), now.Month(), now.Day(), id, sanitizeName(filename), ext)
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	name = strings.TrimSuffix(name, filepath.Ext(name)) // strip extension (added separately)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	if name == "" || name == "_" {
		return "media"
	}
	return name
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 8 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func extFor(mimeType string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}
