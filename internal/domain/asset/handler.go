package asset

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pulse/internal/pkg/response"
	"pulse/internal/pkg/validator"
)

type uploadForm struct {
	Duration float64 `form:"duration" validate:"gte=0"`
}

type listQuery struct {
	Status []string `form:"status" validate:"dive,oneof=pending processing safe flagged"`
	Limit  int      `form:"limit" validate:"omitempty,min=1,max=500"`
}

const defaultListLimit = 100

// Handler handles HTTP requests for media assets.
type Handler struct {
	service *Service
	log     *zap.Logger
}

func NewHandler(service *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: service, log: log.Named("assets")}
}

// Upload godoc
// @Summary Upload a media asset
// @Description Stores the file, creates a pending asset and starts processing.
// @Tags Assets
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param file formData file true "Media file"
// @Param duration formData number false "Duration in seconds"
// @Success 201 {object} map[string]interface{}
// @Failure 400,401,403,413,500 {object} map[string]interface{}
// @Router /assets [post]
func (h *Handler) Upload(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "no file provided")
		return
	}

	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "duration must be a number")
		return
	}
	if errs := validator.Validate(form); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid upload form", errs)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "failed to read file")
		return
	}
	defer file.Close()

	a, err := h.service.Upload(c.Request.Context(), caller, UploadInput{
		Filename:        fileHeader.Filename,
		MimeType:        fileHeader.Header.Get("Content-Type"),
		Size:            fileHeader.Size,
		DurationSeconds: form.Duration,
		Body:            file,
	})
	if err != nil {
		h.fail(c, err, "upload failed")
		return
	}

	response.Success(c, http.StatusCreated, a)
}

// List godoc
// @Summary List assets
// @Description Newest first. Editors only see their own uploads.
// @Tags Assets
// @Produce json
// @Security BearerAuth
// @Param status query []string false "Filter by status"
// @Param limit query int false "Max items"
// @Success 200 {object} map[string]interface{}
// @Router /assets [get]
func (h *Handler) List(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid query")
		return
	}
	if errs := validator.Validate(q); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid query", errs)
		return
	}

	statuses := make([]Status, 0, len(q.Status))
	for _, st := range q.Status {
		statuses = append(statuses, Status(st))
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultListLimit
	}

	assets, err := h.service.List(c.Request.Context(), caller, statuses, limit)
	if err != nil {
		h.fail(c, err, "failed to list assets")
		return
	}
	response.Success(c, http.StatusOK, assets)
}

// Get godoc
// @Summary Get asset metadata and status
// @Tags Assets
// @Produce json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /assets/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load asset")
		return
	}
	response.Success(c, http.StatusOK, a)
}

// Delete godoc
// @Summary Delete an asset (record + bytes)
// @Tags Assets
// @Produce json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 200 {object} map[string]interface{}
// @Failure 403,404,500 {object} map[string]interface{}
// @Router /assets/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), caller, id); err != nil {
		h.fail(c, err, "delete failed")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}

// Process godoc
// @Summary Re-trigger processing of an unfinished asset
// @Description A task that is already running is left alone.
// @Tags Assets
// @Produce json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 202 {object} map[string]interface{}
// @Failure 404,409 {object} map[string]interface{}
// @Router /assets/{id}/process [post]
func (h *Handler) Process(c *gin.Context) {
	a, err := h.service.Reprocess(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to start processing")
		return
	}
	response.Success(c, http.StatusAccepted, a)
}

func (h *Handler) fail(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrAssetNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrNotOwner):
		response.Error(c, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, ErrEmptyFile), errors.Is(err, ErrInvalidMimeType):
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, ErrFileTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error())
	case errors.Is(err, ErrAlreadyFinished):
		response.Error(c, http.StatusConflict, "ALREADY_FINISHED", err.Error())
	case errors.Is(err, ErrStorageInconsistency):
		h.log.Error("storage inconsistency", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "STORAGE_INCONSISTENCY", err.Error())
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

func mustCaller(c *gin.Context) (Caller, bool) {
	id, exists := c.Get("user_id")
	if !exists {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return Caller{}, false
	}
	var userID int64
	switch v := id.(type) {
	case int64:
		userID = v
	case float64:
		userID = int64(v)
	}
	if userID == 0 {
		response.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user id")
		return Caller{}, false
	}
	return Caller{UserID: userID, Role: c.GetString("role")}, true
}
