package fraud

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/inference"
	"github.com/fraudproof/fraudproof/internal/pagination"
	"github.com/fraudproof/fraudproof/internal/validation"
)

// ModelLister describes the loaded models.
type ModelLister interface {
	Infos(withFeatures bool) []inference.Info
}

// Handler provides HTTP endpoints for scoring and the audit log.
type Handler struct {
	service *Service
	models  ModelLister
}

// NewHandler creates a new fraud handler.
func NewHandler(service *Service, models ModelLister) *Handler {
	return &Handler{service: service, models: models}
}

// RegisterRoutes sets up the scoring and audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/score", h.Score)
	r.GET("/models", h.ListModels)
	r.GET("/records", h.ListRecords)
	r.GET("/records/:reference", h.GetRecord)
	r.GET("/records/:reference/anchor", h.GetAnchor)
	r.GET("/records/:reference/verify", h.Verify)
	r.GET("/chain/tx/:hash", validation.TxHashParamMiddleware(), h.ReadChain)
	r.POST("/test/run", h.TestRun)
}

// Score handles POST /v1/score
func (h *Handler) Score(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("domain", req.Domain),
		validation.MaxLength("reference", req.Reference, validation.MaxReferenceLength),
		validation.ValidReference("reference", req.Reference),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	resp, err := h.service.Score(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, resp)
	case errors.Is(err, ErrScoringFailed):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, inference.ErrUnknownDomain) {
			status = http.StatusBadRequest
		}
		c.JSON(status, resp)
	case errors.Is(err, audit.ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_reference",
			"message": "A record with this reference already exists",
		})
	case errors.Is(err, audit.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		internalError(c, err)
	}
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c *gin.Context) {
	withFeatures, _ := strconv.ParseBool(c.Query("features"))
	infos := h.models.Infos(withFeatures)
	c.JSON(http.StatusOK, gin.H{
		"models":           infos,
		"count":            len(infos),
		"anchoringEnabled": h.service.AnchoringEnabled(),
	})
}

// ListRecords handles GET /v1/records
func (h *Handler) ListRecords(c *gin.Context) {
	dash, err := h.service.Dashboard(c.Request.Context(), DashboardQuery{
		Domain: c.Query("domain"),
		Limit:  pagination.ParseLimit(c.Query("limit")),
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Invalid pagination cursor",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, dash)
}

// GetRecord handles GET /v1/records/:reference
func (h *Handler) GetRecord(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": view.Record, "anchor": view.Anchor})
}

// GetAnchor handles GET /v1/records/:reference/anchor
func (h *Handler) GetAnchor(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		recordError(c, err)
		return
	}
	status, final := "", false
	if view.Anchor != nil {
		status, final = string(view.Anchor.Status), view.Anchor.Status.Terminal()
	}
	c.JSON(http.StatusOK, gin.H{
		"reference": view.Record.Reference,
		"status":    status,
		"final":     final,
		"anchor":    view.Anchor,
		"history":   view.History,
	})
}

// Verify handles GET /v1/records/:reference/verify
func (h *Handler) Verify(c *gin.Context) {
	v, err := h.service.Verify(c.Request.Context(), c.Param("reference"))
	if err != nil {
		recordError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ReadChain handles GET /v1/chain/tx/:hash
func (h *Handler) ReadChain(c *gin.Context) {
	ev, err := h.service.ReadChain(c.Request.Context(), c.Param("hash"))
	if err != nil {
		recordError(c, err)
		return
	}
	if ev == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No fraud event found for this transaction",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// TestRun handles POST /v1/test/run
func (h *Handler) TestRun(c *gin.Context) {
	var req TestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("domain", req.Domain),
		validation.OneOf("label", strings.ToLower(strings.TrimSpace(req.Label)), string(LabelFraud), string(LabelNonFraud)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	results, err := h.service.TestRun(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
	case errors.Is(err, ErrInvalidLabel), errors.Is(err, ErrScoringFailed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoSamples):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_samples",
			"message": err.Error(),
		})
	default:
		internalError(c, err)
	}
}

func recordError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Record not found",
		})
	case errors.Is(err, anchor.ErrUnavailable), errors.Is(err, anchor.ErrRPCConnection):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "anchoring_unavailable",
			"message": err.Error(),
		})
	default:
		internalError(c, err)
	}
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
