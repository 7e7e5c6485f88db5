package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v62/github"

	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/webhook"
)

// installationEnvelope reads only the installation id from a delivery
type installationEnvelope struct {
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// handleWebhook verifies a delivery and queues it on its domain stream.
// Accepted deliveries are applied asynchronously; the sender only learns
// whether the delivery was taken.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxPayloadBytes)

	var secret []byte
	switch {
	case s.config.WebhookSecret != "":
		secret = []byte(s.config.WebhookSecret)
	case !s.config.AllowUnsigned:
		respondError(w, http.StatusUnauthorized, ErrCodeInvalidSignature, "Webhook verification is not configured", nil)
		return
	}
	payload, err := gh.ValidatePayload(r, secret)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Payload too large", nil)
			return
		}
		logging.FromContext(r.Context()).WithError(err).Warn("Rejected webhook delivery")
		respondError(w, http.StatusUnauthorized, ErrCodeInvalidSignature, "Invalid webhook signature or payload", nil)
		return
	}

	event := gh.WebHookType(r)
	if event == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Missing X-GitHub-Event header", nil)
		return
	}
	deliveryID := gh.DeliveryID(r)
	logger := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"event":    event,
		"delivery": deliveryID,
	})

	if event == "ping" {
		respondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	if !s.limiter.Allow(deliveryKey(r, payload)) {
		logger.Warn("Webhook delivery rate limited")
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limit exceeded. Please try again later.", nil)
		return
	}

	err = s.sink.Submit(webhook.Delivery{
		ID:         deliveryID,
		Event:      event,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "delivery": deliveryID})
	case errors.Is(err, webhook.ErrUnsupportedEvent):
		logger.Debug("Ignoring unsupported webhook event")
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "delivery": deliveryID})
	case errors.Is(err, webhook.ErrQueueFull), errors.Is(err, webhook.ErrDispatcherStopped):
		logger.WithError(err).Warn("Webhook delivery not queued")
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Delivery queue unavailable", nil)
	default:
		logger.WithError(err).Error("Failed to queue webhook delivery")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
	}
}

// deliveryKey buckets deliveries by installation, falling back to the sender
func deliveryKey(r *http.Request, payload []byte) string {
	var envelope installationEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Installation != nil && envelope.Installation.ID != 0 {
		return fmt.Sprintf("installation:%d", envelope.Installation.ID)
	}
	return "client:" + clientAddr(r)
}
