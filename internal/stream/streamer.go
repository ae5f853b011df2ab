// Package stream serves stored asset bytes with single-range HTTP semantics.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"pulse/internal/domain/asset"
	"pulse/internal/storage"
)

const copyBufferSize = 32 * 1024

// AssetReader resolves asset records.
type AssetReader interface {
	GetByID(ctx context.Context, id string) (*asset.Asset, error)
}

// ReadLocker hands out shared per-asset locks.
type ReadLocker interface {
	RLock(ctx context.Context, key string) (func(), error)
}

type Streamer struct {
	assets AssetReader
	blobs  storage.Store
	locks  ReadLocker
	log    *zap.Logger
}

func New(assets AssetReader, blobs storage.Store, locks ReadLocker, log *zap.Logger) *Streamer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{assets: assets, blobs: blobs, locks: locks, log: log.Named("stream")}
}

// Result is the outcome of Serve. The caller must Close it; until then the asset's read
// lock stays held and a delete waits.
type Result struct {
	Status int
	Header http.Header
	Body   *ByteSource
	Asset  *asset.Asset

	release func()
	once    sync.Once
}

func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	var err error
	r.once.Do(func() {
		if r.Body != nil {
			err = r.Body.Close()
		}
		if r.release != nil {
			r.release()
		}
	})
	return err
}

// WriteTo copies the selected bytes to w. It fails with io.ErrUnexpectedEOF when the
// stored object yields fewer bytes than announced.
func (r *Result) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	rc, err := r.Body.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.CopyBuffer(w, rc, make([]byte, copyBufferSize))
	if err != nil {
		return n, err
	}
	if n != r.Body.Len() {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// ByteSource is a lazy view of a slice of an opened object. Every Open starts again at
// the slice's first byte; nothing is buffered.
type ByteSource struct {
	obj    storage.Object
	offset int64
	length int64
}

func (b *ByteSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return b.obj.ReadRange(ctx, b.offset, b.length)
}

func (b *ByteSource) Offset() int64 { return b.offset }

func (b *ByteSource) Len() int64 { return b.length }

func (b *ByteSource) Close() error { return b.obj.Close() }

type serveOptions struct {
	requireReady bool
}

type ServeOption func(*serveOptions)

// RequireReady refuses assets without a verdict with a *NotReadyError. The check runs
// before the stored object is opened or the range is resolved.
func RequireReady() ServeOption {
	return func(o *serveOptions) { o.requireReady = true }
}

// Serve resolves assetID and prepares a response for rangeHeader. It returns
// asset.ErrAssetNotFound for unknown ids, an *UnsatisfiableError when the range starts
// beyond the content and asset.ErrStorageInconsistency when the record and the stored
// bytes disagree. A malformed rangeHeader is served as a full-content request.
//
// The asset's read lock is taken before the record lookup and held until the Result is
// closed, so lazily fetched backends are never read after a delete.
func (s *Streamer) Serve(ctx context.Context, assetID, rangeHeader string, opts ...ServeOption) (*Result, error) {
	var o serveOptions
	for _, opt := range opts {
		opt(&o)
	}

	release, err := s.locks.RLock(ctx, assetID)
	if err != nil {
		return nil, err
	}
	res, err := s.serve(ctx, assetID, rangeHeader, o)
	if err != nil {
		release()
		return nil, err
	}
	res.release = release
	return res, nil
}

func (s *Streamer) serve(ctx context.Context, assetID, rangeHeader string, o serveOptions) (*Result, error) {
	a, err := s.assets.GetByID(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if o.requireReady && !a.ReadyForPlayback() {
		return nil, &NotReadyError{Status: a.Status}
	}

	obj, err := s.open(ctx, a)
	if err != nil {
		return nil, err
	}

	size := obj.Size()
	header := http.Header{}
	header.Set("Content-Type", contentType(a))
	header.Set("Accept-Ranges", "bytes")

	rng, err := ParseRange(rangeHeader)
	if err != nil {
		s.log.Debug("ignoring malformed range", zap.String("asset_id", assetID), zap.String("range", rangeHeader))
		rng = nil
	}

	if rng == nil {
		header.Set("Content-Length", strconv.FormatInt(size, 10))
		return &Result{
			Status: http.StatusOK,
			Header: header,
			Body:   &ByteSource{obj: obj, offset: 0, length: size},
			Asset:  a,
		}, nil
	}

	start, end, err := rng.Resolve(size)
	if err != nil {
		_ = obj.Close()
		return nil, err
	}

	length := end - start + 1
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	return &Result{
		Status: http.StatusPartialContent,
		Header: header,
		Body:   &ByteSource{obj: obj, offset: start, length: length},
		Asset:  a,
	}, nil
}

func (s *Streamer) open(ctx context.Context, a *asset.Asset) (storage.Object, error) {
	obj, err := s.blobs.Open(ctx, a.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Error("stored bytes missing for asset", zap.String("asset_id", a.ID))
		return nil, fmt.Errorf("%w: object for %s is missing", asset.ErrStorageInconsistency, a.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}

	if obj.Size() != a.SizeBytes {
		_ = obj.Close()
		s.log.Error("stored size differs from record",
			zap.String("asset_id", a.ID),
			zap.Int64("record_size", a.SizeBytes),
			zap.Int64("stored_size", obj.Size()))
		return nil, fmt.Errorf("%w: %s has %d bytes, record says %d",
			asset.ErrStorageInconsistency, a.ID, obj.Size(), a.SizeBytes)
	}
	return obj, nil
}

func contentType(a *asset.Asset) string {
	if a.MimeType == "" {
		return "application/octet-stream"
	}
	return a.MimeType
}
