package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/bugshot/internal/api/middleware"
	"github.com/kiranshivaraju/bugshot/internal/api/response"
	"github.com/kiranshivaraju/bugshot/internal/notify"
	"github.com/kiranshivaraju/bugshot/internal/store"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

type ChannelGetter interface {
	GetChannel(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.NotificationChannel, error)
}

type ChannelTester interface {
	SendTest(ctx context.Context, ch *models.NotificationChannel) error
}

// NewTestChannelHandler returns an http.HandlerFunc for
// POST /api/v1/channels/{channelID}/test. Delivery is synchronous.
func NewTestChannelHandler(s ChannelGetter, t ChannelTester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}
		channelID, err := uuid.Parse(chi.URLParam(r, "channelID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "channelID must be a valid UUID", nil)
			return
		}

		ch, err := s.GetChannel(r.Context(), channelID, projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Channel not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load channel", nil)
			return
		}

		if err := t.SendTest(r.Context(), ch); err != nil {
			switch {
			case errors.Is(err, notify.ErrMissingTarget), errors.Is(err, notify.ErrUnsupportedChannel):
				response.Error(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
			case errors.Is(err, notify.ErrSMTPNotConfigured):
				response.Error(w, http.StatusServiceUnavailable, "SMTP_NOT_CONFIGURED", err.Error(), nil)
			default:
				response.Error(w, http.StatusBadGateway, "DELIVERY_FAILED", err.Error(), nil)
			}
			return
		}

		response.JSON(w, map[string]any{"channel_id": ch.ID, "type": ch.Type, "delivered": true})
	}
}
