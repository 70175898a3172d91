package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/bugshot/internal/api/middleware"
	"github.com/kiranshivaraju/bugshot/internal/api/response"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

const recentOccurrences = 20

// ErrorReader is the read side of the aggregate store.
type ErrorReader interface {
	GetErrorAggregate(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.ErrorAggregate, error)
	ListErrorAggregates(ctx context.Context, filter store.ErrorFilter) ([]*models.ErrorAggregate, int, error)
	ListOccurrences(ctx context.Context, errorID uuid.UUID, limit int) ([]*models.Occurrence, error)
}

// Triage performs status transitions.
type Triage interface {
	Resolve(ctx context.Context, projectID, errorID uuid.UUID, actor string) (*models.ErrorAggregate, error)
	Ignore(ctx context.Context, projectID, errorID uuid.UUID, actor string) (*models.ErrorAggregate, error)
	Reopen(ctx context.Context, projectID, errorID uuid.UUID, actor string) (*models.ErrorAggregate, error)
}

type errorDetail struct {
	*models.ErrorAggregate
	Occurrences []*models.Occurrence `json:"occurrences"`
}

// NewListErrorsHandler returns an http.HandlerFunc for GET /api/v1/errors.
func NewListErrorsHandler(s ErrorReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		q := r.URL.Query()
		filter := store.ErrorFilter{ProjectID: projectID, Sort: store.SortPriority, Page: 1, Limit: 20}

		if v := q.Get("status"); v != "" {
			st, err := models.ParseStatus(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status must be UNRESOLVED, RESOLVED or IGNORED", nil)
				return
			}
			filter.Status = st
		}
		if v := q.Get("severity"); v != "" {
			sev, err := models.ParseSeverity(v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "severity must be CRITICAL, HIGH, MEDIUM or LOW", nil)
				return
			}
			filter.Severity = sev
		}
		switch v := q.Get("sort"); v {
		case "":
		case store.SortPriority, store.SortRecent, store.SortCount:
			filter.Sort = v
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sort must be priority, recent or count", nil)
			return
		}
		if v := q.Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 100 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
				return
			}
			filter.Limit = n
		}

		aggs, total, err := s.ListErrorAggregates(r.Context(), filter)
		if err != nil {
			slog.Error("listing errors", "project_id", projectID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list errors", nil)
			return
		}

		response.Collection(w, aggs, response.NewMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetErrorHandler returns an http.HandlerFunc for GET /api/v1/errors/{errorID}.
func NewGetErrorHandler(s ErrorReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, errorID, ok := errorTarget(w, r)
		if !ok {
			return
		}

		agg, err := s.GetErrorAggregate(r.Context(), errorID, projectID)
		if err != nil {
			writeStoreError(w, err, "Failed to load error")
			return
		}

		occs, err := s.ListOccurrences(r.Context(), errorID, recentOccurrences)
		if err != nil {
			slog.Error("listing occurrences", "error_id", errorID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load occurrences", nil)
			return
		}

		response.JSON(w, errorDetail{ErrorAggregate: agg, Occurrences: occs})
	}
}

// NewTransitionHandler returns an http.HandlerFunc for
// PUT /api/v1/errors/{errorID}/{resolve|ignore|reopen}.
func NewTransitionHandler(t Triage, action models.Action) http.HandlerFunc {
	apply := map[models.Action]func(context.Context, uuid.UUID, uuid.UUID, string) (*models.ErrorAggregate, error){
		models.ActionResolve: t.Resolve,
		models.ActionIgnore:  t.Ignore,
		models.ActionReopen:  t.Reopen,
	}[action]

	return func(w http.ResponseWriter, r *http.Request) {
		projectID, errorID, ok := errorTarget(w, r)
		if !ok {
			return
		}

		var req struct {
			ActorID string `json:"actor_id"`
		}
		if err := response.Decode(w, r, &req, 4<<10, true); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		actor := req.ActorID
		if actor == "" {
			if keyID, ok := mw.GetAPIKeyID(r); ok {
				actor = keyID.String()
			}
		}

		agg, err := apply(r.Context(), projectID, errorID, actor)
		if err != nil {
			writeStoreError(w, err, "Failed to update error status")
			return
		}
		response.JSON(w, agg)
	}
}

func errorTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return uuid.Nil, uuid.Nil, false
	}
	errorID, err := uuid.Parse(chi.URLParam(r, "errorID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "errorID must be a valid UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	mw.AddLogAttrs(r.Context(), slog.String("error_id", errorID.String()))
	return projectID, errorID, true
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Error not found", nil)
	case errors.Is(err, models.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	default:
		slog.Error(msg, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", msg, nil)
	}
}
