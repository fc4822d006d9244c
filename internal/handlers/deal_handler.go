package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/middleware"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/services"
)

const maxBodyBytes = 1_048_576

type DealHandler struct {
	service   *services.DealService
	sweeps    *services.SweepService
	validator *services.ValidationHelper
}

func NewDealHandler(service *services.DealService, sweeps *services.SweepService) *DealHandler {
	return &DealHandler{
		service:   service,
		sweeps:    sweeps,
		validator: services.NewValidationHelper(),
	}
}

// Routes mounts the authenticated deal API. The caller applies auth.
func (h *DealHandler) Routes(r chi.Router) {
	r.Post("/deals", h.CreateDeal)
	r.Get("/deals", h.ListDeals)
	r.Post("/invites/accept", h.AcceptInvite)

	r.Route("/deals/{dealId}", func(r chi.Router) {
		r.Get("/", h.GetDeal)
		r.Get("/invite/qr", h.InviteQR)
		r.Get("/ledger", h.GetLedger)
		r.Get("/audit", h.GetAuditTrail)

		r.Post("/outcome/propose", h.ProposeOutcome)
		r.Post("/outcome/reject", h.RejectOutcome)
		r.Post("/outcome/confirm", h.ConfirmOutcome)

		r.Post("/freeze", h.FreezeDeal)
		r.Post("/unfreeze", h.UnfreezeDeal)
		r.Post("/cancel", h.CancelDeal)

		r.Post("/extension/request", h.RequestExtension)
		r.Post("/extension/approve", h.ApproveExtension)
		r.Post("/extension/decline", h.DeclineExtension)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/complete", h.CompleteDeal)
			r.Post("/settlement/retry", h.RetrySettlement)
		})
	})

	r.With(middleware.RequireAdmin).Post("/admin/sweep", h.Sweep)
}

// CreateDeal creates a deal in the invited state and returns the one-time invite token
func (h *DealHandler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req services.CreateDealRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	req.CreatorID = principal.UserID

	result, err := h.service.CreateDeal(r.Context(), req)
	if err != nil {
		sendError(w, "create deal", err)
		return
	}

	services.SendJSON(w, http.StatusCreated, result)
}

func (h *DealHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			services.SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		limit = parsed
	}

	deals, err := h.service.ListDealsForUser(r.Context(), principal, limit)
	if err != nil {
		sendError(w, "list deals", err)
		return
	}
	if deals == nil {
		deals = []*models.Deal{}
	}

	services.SendJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (h *DealHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	d, err := h.service.GetDeal(r.Context(), principal, chi.URLParam(r, "dealId"))
	if err != nil {
		sendError(w, "get deal", err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"deal":            d,
		"availableEvents": deal.AvailableEvents(d.Status, deal.TransitionContext{Now: time.Now(), DealDate: d.DealDate}),
	})
}

func (h *DealHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token" validate:"required"`
	}
	if !h.decode(w, r, &req, false) {
		return
	}

	dealID, err := h.service.AcceptInvite(r.Context(), principal.UserID, req.Token)
	if err != nil {
		sendError(w, "accept invite", err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{"dealId": dealID})
}

func (h *DealHandler) InviteQR(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		services.SendErrorResponse(w, "token query parameter is required", http.StatusBadRequest, nil)
		return
	}

	img, err := h.service.InviteQR(r.Context(), principal, chi.URLParam(r, "dealId"), token)
	if err != nil {
		sendError(w, "invite qr", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img)
}

func (h *DealHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetLedger(r.Context(), principal, chi.URLParam(r, "dealId"))
	if err != nil {
		sendError(w, "get ledger", err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	services.SendJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *DealHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetAuditTrail(r.Context(), principal, chi.URLParam(r, "dealId"))
	if err != nil {
		sendError(w, "get audit trail", err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}

	services.SendJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *DealHandler) ProposeOutcome(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Outcome string `json:"outcome" validate:"required,oneof=RELEASE_TO_CREATOR RELEASE_TO_PARTICIPANT REFUND_BOTH"`
	}
	if !h.decode(w, r, &req, false) {
		return
	}

	d, err := h.service.ProposeOutcome(r.Context(), principal, chi.URLParam(r, "dealId"), req.Outcome)
	h.writeDeal(w, "propose outcome", d, err)
}

func (h *DealHandler) RejectOutcome(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	d, err := h.service.RejectOutcome(r.Context(), principal, chi.URLParam(r, "dealId"))
	h.writeDeal(w, "reject outcome", d, err)
}

func (h *DealHandler) ConfirmOutcome(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	result, err := h.service.ConfirmOutcome(r.Context(), principal, chi.URLParam(r, "dealId"))
	h.writeTransition(w, "confirm outcome", result, err)
}

func (h *DealHandler) FreezeDeal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"required,max=1000"`
	}
	if !h.decode(w, r, &req, false) {
		return
	}

	d, err := h.service.FreezeDeal(r.Context(), principal, chi.URLParam(r, "dealId"), req.Reason)
	h.writeDeal(w, "freeze deal", d, err)
}

func (h *DealHandler) UnfreezeDeal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Resolution string `json:"resolution" validate:"max=1000"`
	}
	if !h.decode(w, r, &req, true) {
		return
	}

	d, err := h.service.UnfreezeDeal(r.Context(), principal, chi.URLParam(r, "dealId"), req.Resolution)
	h.writeDeal(w, "unfreeze deal", d, err)
}

func (h *DealHandler) CancelDeal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"max=1000"`
	}
	if !h.decode(w, r, &req, true) {
		return
	}

	result, err := h.service.CancelDeal(r.Context(), principal, chi.URLParam(r, "dealId"), req.Reason)
	h.writeTransition(w, "cancel deal", result, err)
}

func (h *DealHandler) CompleteDeal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Outcome  string `json:"outcome" validate:"required"`
		Category string `json:"category" validate:"required"`
	}
	if !h.decode(w, r, &req, false) {
		return
	}

	result, err := h.service.CompleteDeal(r.Context(), principal, chi.URLParam(r, "dealId"), req.Outcome, req.Category)
	h.writeTransition(w, "complete deal", result, err)
}

func (h *DealHandler) RequestExtension(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Type string `json:"type" validate:"required"`
	}
	if !h.decode(w, r, &req, false) {
		return
	}

	d, err := h.service.RequestExtension(r.Context(), principal, chi.URLParam(r, "dealId"), req.Type)
	h.writeDeal(w, "request extension", d, err)
}

func (h *DealHandler) ApproveExtension(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	d, err := h.service.ApproveExtension(r.Context(), principal, chi.URLParam(r, "dealId"))
	h.writeDeal(w, "approve extension", d, err)
}

func (h *DealHandler) DeclineExtension(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	d, err := h.service.DeclineExtension(r.Context(), principal, chi.URLParam(r, "dealId"))
	h.writeDeal(w, "decline extension", d, err)
}

func (h *DealHandler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	result, err := h.service.RetrySettlement(r.Context(), principal, chi.URLParam(r, "dealId"))
	if err != nil && !(errors.Is(err, deal.ErrPartialFailure) && result != nil) {
		sendError(w, "retry settlement", err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	services.SendJSON(w, status, result)
}

func (h *DealHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		services.SendErrorResponse(w, "Sweep is not configured", http.StatusServiceUnavailable, nil)
		return
	}

	result, err := h.sweeps.SweepPastDue(r.Context(), time.Now())
	if err != nil {
		sendError(w, "sweep", err)
		return
	}

	services.SendJSON(w, http.StatusOK, result)
}

func (h *DealHandler) principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return models.Principal{}, false
	}
	return principal, true
}

// decode reads a single JSON object into dst and validates it. An empty body
// is accepted when optional is set.
func (h *DealHandler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return false
		}
	} else if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *DealHandler) writeDeal(w http.ResponseWriter, op string, d *models.Deal, err error) {
	if err != nil {
		sendError(w, op, err)
		return
	}
	services.SendJSON(w, http.StatusOK, d)
}

// writeTransition answers 207 when the deal moved but some settlement entries failed.
func (h *DealHandler) writeTransition(w http.ResponseWriter, op string, result *services.TransitionResult, err error) {
	if err != nil {
		if errors.Is(err, deal.ErrPartialFailure) && result != nil {
			services.SendJSON(w, http.StatusMultiStatus, result)
			return
		}
		sendError(w, op, err)
		return
	}
	services.SendJSON(w, http.StatusOK, result)
}
