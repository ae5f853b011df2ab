package stream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain/asset"
)

func setupStreamRouter(f *fixture, allowUnprocessed bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r.Group("/api/v1"), NewHandler(f.s, allowUnprocessed, nil))
	return r
}

func doRequest(r http.Handler, method, path, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PartialContent(t *testing.T) {
	f := newFixture(t)
	data := content(1_000_000)
	f.add(t, "v1", data, asset.StatusSafe)
	r := setupStreamRouter(f, false)

	w := doRequest(r, http.MethodGet, "/api/v1/assets/v1/stream", "bytes=500000-599999")

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 500000-599999/1000000", w.Header().Get("Content-Range"))
	assert.Equal(t, "100000", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "safe", w.Header().Get("X-Asset-Status"))
	assert.Equal(t, data[500000:600000], w.Body.Bytes())
}

func TestHandler_FullContent(t *testing.T) {
	f := newFixture(t)
	data := content(777)
	f.add(t, "v1", data, asset.StatusFlagged)
	r := setupStreamRouter(f, false)

	w := doRequest(r, http.MethodGet, "/api/v1/assets/v1/stream", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "777", w.Header().Get("Content-Length"))
	assert.Equal(t, data, w.Body.Bytes())
}

func TestHandler_RangeNotSatisfiable(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(500), asset.StatusSafe)
	r := setupStreamRouter(f, false)

	w := doRequest(r, http.MethodGet, "/api/v1/assets/v1/stream", "bytes=600-")

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */500", w.Header().Get("Content-Range"))
	assert.Contains(t, w.Body.String(), "RANGE_NOT_SATISFIABLE")
}

func TestHandler_NotFound(t *testing.T) {
	f := newFixture(t)
	r := setupStreamRouter(f, false)

	w := doRequest(r, http.MethodGet, "/api/v1/assets/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_NotReadyUntilVerdict(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(100), asset.StatusProcessing)

	w := doRequest(setupStreamRouter(f, false), http.MethodGet, "/api/v1/assets/v1/stream", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "processing", w.Header().Get("X-Asset-Status"))
	assert.Contains(t, w.Body.String(), "ASSET_NOT_READY")

	w = doRequest(setupStreamRouter(f, true), http.MethodGet, "/api/v1/assets/v1/stream", "bytes=0-9")
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Len(t, w.Body.Bytes(), 10)
}

func TestHandler_NotReadyDisclosesNoSize(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(100), asset.StatusPending)

	w := doRequest(setupStreamRouter(f, false), http.MethodGet, "/api/v1/assets/v1/stream", "bytes=999999-")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "pending", w.Header().Get("X-Asset-Status"))
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Empty(t, w.Header().Get("Accept-Ranges"))
	assert.Contains(t, w.Body.String(), "ASSET_NOT_READY")
	assert.NotContains(t, w.Body.String(), "100")
}

func TestHandler_HeadWritesHeadersOnly(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(2048), asset.StatusSafe)
	r := setupStreamRouter(f, false)

	w := doRequest(r, http.MethodHead, "/api/v1/assets/v1/stream", "bytes=0-1023")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "1024", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 0-1023/2048", w.Header().Get("Content-Range"))
	assert.Zero(t, w.Body.Len())
}

func TestHandler_StorageInconsistency(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v1", content(10), asset.StatusSafe)
	f.assets.items["v1"].SizeBytes = 11
	r := setupStreamRouter(f, false)

	w := doRequest(r, http.MethodGet, "/api/v1/assets/v1/stream", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "STORAGE_INCONSISTENCY")
}
