package stream

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain/asset"
	"pulse/internal/pkg/keylock"
	"pulse/internal/storage"
)

type fakeAssets struct {
	items map[string]*asset.Asset
}

func (f *fakeAssets) GetByID(_ context.Context, id string) (*asset.Asset, error) {
	a, ok := f.items[id]
	if !ok {
		return nil, asset.ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

type fixture struct {
	assets *fakeAssets
	blobs  *storage.DiskStore
	locks  *keylock.Locker
	s      *Streamer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		assets: &fakeAssets{items: map[string]*asset.Asset{}},
		blobs:  blobs,
		locks:  keylock.New(),
	}
	f.s = New(f.assets, f.blobs, f.locks, nil)
	return f
}

func (f *fixture) add(t *testing.T, id string, content []byte, status asset.Status) {
	t.Helper()
	key := "test/" + id + ".mp4"
	_, err := f.blobs.Put(context.Background(), key, bytes.NewReader(content))
	require.NoError(t, err)
	f.assets.items[id] = &asset.Asset{
		ID:         id,
		StorageKey: key,
		SizeBytes:  int64(len(content)),
		MimeType:   "video/mp4",
		Status:     status,
		Progress:   100,
	}
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func readAll(t *testing.T, res *Result) []byte {
	t.Helper()
	var buf bytes.Buffer
	n, err := res.WriteTo(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, res.Body.Len(), n)
	return buf.Bytes()
}

func TestServe_PartialContentMillionBytes(t *testing.T) {
	f := newFixture(t)
	data := content(1_000_000)
	f.add(t, "big", data, asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "big", "bytes=500000-599999")
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, http.StatusPartialContent, res.Status)
	assert.Equal(t, "bytes 500000-599999/1000000", res.Header.Get("Content-Range"))
	assert.Equal(t, "100000", res.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", res.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", res.Header.Get("Content-Type"))

	body := readAll(t, res)
	require.Len(t, body, 100000)
	assert.True(t, bytes.Equal(data[500000:600000], body))
}

func TestServe_StartBeyondSizeIsNotSatisfiable(t *testing.T) {
	f := newFixture(t)
	f.add(t, "small", content(500), asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "small", "bytes=600-")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)

	_, err = f.s.Serve(context.Background(), "small", "bytes=500-")
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func TestServe_FullContent(t *testing.T) {
	f := newFixture(t)
	data := content(4096)
	f.add(t, "v1", data, asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "v1", "")
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "4096", res.Header.Get("Content-Length"))
	assert.Empty(t, res.Header.Get("Content-Range"))
	assert.Equal(t, data, readAll(t, res))
}

func TestServe_MalformedRangeFallsBackToFullContent(t *testing.T) {
	f := newFixture(t)
	data := content(300)
	f.add(t, "v1", data, asset.StatusSafe)

	for _, h := range []string{"bytes=-100", "bytes=0-1,5-9", "pages=1-2", "bytes=x-"} {
		res, err := f.s.Serve(context.Background(), "v1", h)
		require.NoError(t, err, h)
		assert.Equal(t, http.StatusOK, res.Status, h)
		assert.Equal(t, data, readAll(t, res), h)
		require.NoError(t, res.Close())
	}
}

func TestServe_ClampsEnd(t *testing.T) {
	f := newFixture(t)
	data := content(1000)
	f.add(t, "v1", data, asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "v1", "bytes=900-5000")
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, "bytes 900-999/1000", res.Header.Get("Content-Range"))
	assert.Equal(t, data[900:], readAll(t, res))
}

func TestServe_RandomRangesMatchStoredSlice(t *testing.T) {
	f := newFixture(t)
	data := content(10_000)
	f.add(t, "v1", data, asset.StatusSafe)

	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		start := rng.Int64N(int64(len(data)))
		end := start + rng.Int64N(int64(len(data))-start)

		res, err := f.s.Serve(context.Background(), "v1", "bytes="+itoa(start)+"-"+itoa(end))
		require.NoError(t, err)
		assert.Equal(t, http.StatusPartialContent, res.Status)
		assert.Equal(t, "bytes "+itoa(start)+"-"+itoa(end)+"/10000", res.Header.Get("Content-Range"))
		assert.Equal(t, data[start:end+1], readAll(t, res))
		require.NoError(t, res.Close())
	}
}

func TestServe_ByteSourceIsRestartable(t *testing.T) {
	f := newFixture(t)
	data := content(100)
	f.add(t, "v1", data, asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "v1", "bytes=10-19")
	require.NoError(t, err)
	defer res.Close()

	for range 2 {
		rc, err := res.Body.Open(context.Background())
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, data[10:20], got)
	}
}

func TestServe_UnknownAsset(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.Serve(context.Background(), "missing", "bytes=0-1")
	assert.ErrorIs(t, err, asset.ErrAssetNotFound)
}

func TestServe_StorageInconsistency(t *testing.T) {
	f := newFixture(t)
	f.add(t, "gone", content(10), asset.StatusSafe)
	require.NoError(t, f.blobs.Delete(context.Background(), f.assets.items["gone"].StorageKey))

	_, err := f.s.Serve(context.Background(), "gone", "")
	assert.ErrorIs(t, err, asset.ErrStorageInconsistency)

	f.add(t, "short", content(10), asset.StatusSafe)
	f.assets.items["short"].SizeBytes = 20
	_, err = f.s.Serve(context.Background(), "short", "")
	assert.ErrorIs(t, err, asset.ErrStorageInconsistency)
}

func TestServe_WaitsForWriter(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(10), asset.StatusSafe)

	release, err := f.locks.Lock(context.Background(), "v1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.s.Serve(ctx, "v1", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	res, err := f.s.Serve(context.Background(), "v1", "")
	require.NoError(t, err)
	require.NoError(t, res.Close())
}

func TestServe_OpenedAssetSurvivesDelete(t *testing.T) {
	f := newFixture(t)
	data := content(2048)
	f.add(t, "v1", data, asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "v1", "bytes=1024-")
	require.NoError(t, err)
	defer res.Close()

	require.NoError(t, f.blobs.Delete(context.Background(), f.assets.items["v1"].StorageKey))
	delete(f.assets.items, "v1")

	assert.Equal(t, data[1024:], readAll(t, res))

	_, err = f.s.Serve(context.Background(), "v1", "")
	assert.ErrorIs(t, err, asset.ErrAssetNotFound)
}

func TestServe_ResultHoldsReadLockUntilClosed(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(64), asset.StatusSafe)

	res, err := f.s.Serve(context.Background(), "v1", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.locks.Lock(ctx, "v1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())

	release, err := f.locks.Lock(context.Background(), "v1")
	require.NoError(t, err)
	release()
}

func TestServe_FailedServeReleasesReadLock(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(10), asset.StatusSafe)

	_, err := f.s.Serve(context.Background(), "v1", "bytes=50-")
	require.ErrorIs(t, err, ErrRangeNotSatisfiable)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := f.locks.Lock(ctx, "v1")
	require.NoError(t, err)
	release()
}

func TestServe_RequireReadyRefusesBeforeRange(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(100), asset.StatusProcessing)

	_, err := f.s.Serve(context.Background(), "v1", "bytes=999999-", RequireReady())
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, asset.StatusProcessing, notReady.Status)
	assert.ErrorIs(t, err, asset.ErrAssetNotReady)
	assert.NotErrorIs(t, err, ErrRangeNotSatisfiable)

	// without the option the same request reaches range resolution
	_, err = f.s.Serve(context.Background(), "v1", "bytes=999999-")
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
