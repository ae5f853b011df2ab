package stream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pulse/internal/domain/asset"
	"pulse/internal/metrics"
	"pulse/internal/pkg/response"
)

// Handler adapts HTTP playback requests to the Streamer. Unless allowUnprocessed is set,
// assets without a verdict are refused with 409.
type Handler struct {
	streamer         *Streamer
	allowUnprocessed bool
	log              *zap.Logger
}

func NewHandler(streamer *Streamer, allowUnprocessed bool, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{streamer: streamer, allowUnprocessed: allowUnprocessed, log: log.Named("stream")}
}

// Stream godoc
// @Summary Stream asset bytes
// @Description Supports single byte ranges (bytes=start- and bytes=start-end) for seeking.
// @Tags Assets
// @Produce octet-stream
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Param Range header string false "Byte range"
// @Success 200,206
// @Failure 404,409,416,500 {object} map[string]interface{}
// @Router /assets/{id}/stream [get]
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var opts []ServeOption
	if !h.allowUnprocessed {
		opts = append(opts, RequireReady())
	}
	res, err := h.streamer.Serve(ctx, id, c.GetHeader("Range"), opts...)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	defer res.Close()

	c.Header("X-Asset-Status", string(res.Asset.Status))

	for k, v := range res.Header {
		for _, vv := range v {
			c.Writer.Header().Add(k, vv)
		}
	}
	c.Status(res.Status)
	metrics.StreamRequests.WithLabelValues(strconv.Itoa(res.Status)).Inc()

	if c.Request.Method == http.MethodHead {
		c.Writer.WriteHeaderNow()
		return
	}

	n, err := res.WriteTo(ctx, c.Writer)
	metrics.StreamBytes.Add(float64(n))
	if err != nil && ctx.Err() == nil {
		h.log.Warn("stream interrupted",
			zap.String("asset_id", id),
			zap.Int64("offset", res.Body.Offset()),
			zap.Int64("written", n),
			zap.Int64("expected", res.Body.Len()),
			zap.Error(err))
	}
}

func (h *Handler) fail(c *gin.Context, id string, err error) {
	var (
		unsat    *UnsatisfiableError
		notReady *NotReadyError
	)
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, asset.ErrAssetNotFound):
		status = http.StatusNotFound
		response.Error(c, status, "NOT_FOUND", "asset not found")
	case errors.As(err, &notReady):
		status = http.StatusConflict
		c.Header("X-Asset-Status", string(notReady.Status))
		response.Error(c, status, "ASSET_NOT_READY", asset.ErrAssetNotReady.Error())
	case errors.As(err, &unsat):
		status = http.StatusRequestedRangeNotSatisfiable
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", unsat.Size))
		response.Error(c, status, "RANGE_NOT_SATISFIABLE", err.Error())
	case errors.Is(err, asset.ErrStorageInconsistency):
		h.log.Error("refusing to stream inconsistent asset", zap.String("asset_id", id), zap.Error(err))
		response.Error(c, status, "STORAGE_INCONSISTENCY", "stored content is unavailable")
	default:
		h.log.Error("stream failed", zap.String("asset_id", id), zap.Error(err))
		response.Error(c, status, "INTERNAL_ERROR", "stream failed")
	}
	metrics.StreamRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}
