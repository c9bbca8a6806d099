package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/metrics"
	"github.com/lalithlochan/prospector/internal/queue"
	"github.com/lalithlochan/prospector/internal/redis"
	"github.com/lalithlochan/prospector/internal/search"
	"github.com/lalithlochan/prospector/internal/stats"
	"github.com/lalithlochan/prospector/internal/usage"
	"github.com/lalithlochan/prospector/internal/worker"
)

// SearchService runs grid searches.
type SearchService interface {
	Run(ctx context.Context, req search.Request) (*search.Result, error)
}

// RunStore reads persisted search runs.
type RunStore interface {
	GetSearchRun(ctx context.Context, id uuid.UUID) (*db.SearchRun, error)
}

type CampaignQueue interface {
	Enqueue(ctx context.Context, campaignID uuid.UUID) (*queue.Result, error)
}

type CampaignWorker interface {
	Poll(ctx context.Context, campaignID uuid.UUID) (*worker.PollResult, error)
}

type StatsService interface {
	Get(ctx context.Context, campaignID uuid.UUID) (*stats.Stats, error)
}

type UsageService interface {
	Snapshot(ctx context.Context) (usage.Snapshot, error)
}

// Idempotency is satisfied by redis.IdempotencyService.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

const searchRunScope = "search-runs"

// Services are the handler's collaborators. Idempotency may be nil.
type Services struct {
	Search      SearchService
	Runs        RunStore
	Queue       CampaignQueue
	Worker      CampaignWorker
	Stats       StatsService
	Usage       UsageService
	Idempotency Idempotency
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	svc      Services
	validate *validator.Validate
}

func NewHandler(logger *zap.Logger, svc Services) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, svc: svc, validate: v}
}

// CreateSearchRun handles POST /v1/search-runs. A repeated Idempotency-Key
// replays the first response instead of searching again.
func (h *Handler) CreateSearchRun(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validateStruct(req); err != nil {
		h.writeAppError(w, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	useKey := key != "" && h.svc.Idempotency != nil && !req.DryRun
	if useKey {
		cached, err := h.svc.Idempotency.CheckOrReserve(r.Context(), searchRunScope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding", zap.Error(err), zap.String("idempotency_key", key))
			useKey = false
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	// A run that has started spending finishes even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.svc.Search.Run(ctx, req)
	if err != nil {
		if useKey {
			if rerr := h.svc.Idempotency.Release(ctx, searchRunScope, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeAppError(w, err)
		return
	}

	status := http.StatusOK
	if result.Summary != nil {
		status = http.StatusCreated
		h.logger.Info("search run completed",
			zap.String("run_id", result.Summary.RunID.String()),
			zap.Int("new_leads", result.Summary.NewLeads),
			zap.Int("duplicates", result.Summary.Duplicates),
		)
	}

	body, err := json.Marshal(result)
	if err != nil {
		h.writeAppError(w, fmt.Errorf("encode search result: %w", err))
		return
	}

	if useKey {
		stored := &redis.IdempotencyResult{StatusCode: status, Body: body}
		if result.Summary != nil {
			stored.RunID = result.Summary.RunID.String()
		}
		if err := h.svc.Idempotency.Store(ctx, searchRunScope, key, stored, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err), zap.String("idempotency_key", key))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// GetSearchRun handles GET /v1/search-runs/{id}
func (h *Handler) GetSearchRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	run, err := h.svc.Runs.GetSearchRun(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// EnqueueCampaign handles POST /v1/campaigns/{id}/enqueue
func (h *Handler) EnqueueCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Queue.Enqueue(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.logger.Info("campaign enqueued",
		zap.String("campaign_id", id.String()),
		zap.Int("queued", res.Queued),
		zap.String("job_status", string(res.JobStatus)),
	)
	h.writeJSON(w, http.StatusOK, res)
}

// PollCampaign handles POST /v1/campaigns/{id}/poll
func (h *Handler) PollCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Worker.Poll(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetCampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Stats.Get(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// GetUsage handles GET /v1/usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Usage.Snapshot(r.Context())
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag() + " validation"
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %s=%s validation", fe.Tag(), fe.Param())
		}
		return &apperr.ValidationError{Field: fe.Field(), Reason: reason}
	}
	return err
}

// writeAppError maps the error taxonomy to problem+json.
func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	var cfgErr *apperr.ConfigurationError
	var valErr *apperr.ValidationError
	switch {
	case errors.As(err, &valErr):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", valErr.Error())
	case errors.Is(err, apperr.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	case errors.As(err, &cfgErr):
		h.logger.Error("service not configured", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "configuration_error", "Service not configured", cfgErr.Setting)
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
