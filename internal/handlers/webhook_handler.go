package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/services"
)

const (
	SignatureHeader  = "Payment-Signature"
	defaultTolerance = 300 * time.Second
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentDisputed  = "payment.disputed"
)

type paymentWebhook struct {
	ID   string             `json:"id"`
	Type string             `json:"type"`
	Data paymentWebhookData `json:"data"`
}

type paymentWebhookData struct {
	services.PaymentEvent
	Reason string `json:"reason,omitempty"`
}

// WebhookHandler receives processor callbacks signed with a shared secret.
type WebhookHandler struct {
	service   *services.DealService
	validator *services.ValidationHelper
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookHandler(service *services.DealService, secret string, tolerance time.Duration) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &WebhookHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// SignPayload returns the signature header value for body at t.
func SignPayload(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeSignature([]byte(secret), ts, body))
}

func computeSignature(secret []byte, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// HandlePaymentEvent accepts payment.succeeded, payment.failed and payment.disputed. Unknown
// event types are acknowledged and ignored.
func (h *WebhookHandler) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	if len(h.secret) == 0 {
		log.Printf("[WEBHOOK] Rejecting event, webhook secret is not configured")
		services.SendErrorResponse(w, "Webhooks are not configured", http.StatusServiceUnavailable, nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := h.verify(r.Header.Get(SignatureHeader), body); err != nil {
		log.Printf("[WEBHOOK] Signature rejected: %v", err)
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var event paymentWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		services.SendErrorResponse(w, "Invalid event payload", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[WEBHOOK] Received %s (%s) for deal %s", event.Type, event.ID, event.Data.DealID)

	switch event.Type {
	case EventPaymentSucceeded:
		if err := h.validator.ValidateStruct(event.Data.PaymentEvent); err != nil {
			services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
		if _, err := h.service.RecordPaymentSucceeded(r.Context(), event.Data.PaymentEvent); err != nil {
			sendError(w, "record payment", err)
			return
		}

	case EventPaymentFailed:
		if event.Data.DealID == "" {
			services.SendErrorResponse(w, "dealId is required", http.StatusBadRequest, nil)
			return
		}
		if err := h.service.RecordPaymentFailed(r.Context(), event.Data.PaymentEvent, event.Data.Reason); err != nil {
			sendError(w, "record payment failure", err)
			return
		}

	case EventPaymentDisputed:
		reason := event.Data.Reason
		if strings.TrimSpace(reason) == "" {
			reason = "payment disputed at processor"
		}
		_, err := h.service.FreezeDeal(r.Context(), models.SystemPrincipal(), event.Data.DealID, reason)
		if errors.Is(err, deal.ErrAlreadyExists) || errors.Is(err, deal.ErrFailedPrecondition) {
			// Nothing to freeze; retrying will not change that.
			err = h.service.RecordPaymentDisputed(r.Context(), event.Data.PaymentEvent, reason)
		}
		if err != nil {
			sendError(w, "freeze deal", err)
			return
		}

	default:
		log.Printf("[WEBHOOK] Ignoring unsupported event type %q", event.Type)
	}

	services.SendJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h *WebhookHandler) verify(header string, body []byte) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			if ts == "" {
				ts = v
			}
		case "v1":
			if v != "" {
				sigs = append(sigs, v)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return errors.New("missing timestamp or signature")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || unix <= 0 {
		return errors.New("malformed timestamp")
	}
	skew := h.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > h.tolerance {
		return errors.New("timestamp outside tolerance")
	}

	expected := computeSignature(h.secret, ts, body)
	for _, sig := range sigs {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return errors.New("no matching signature")
}
