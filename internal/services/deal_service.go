package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
	"github.com/moneygood/backend/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateDealRequest is the input to CreateDeal. CreatorID comes from the
// authenticated principal, never from the request body.
type CreateDealRequest struct {
	CreatorID        string     `json:"-"`
	DealType         string     `json:"dealType,omitempty"`
	LegA             models.Leg `json:"legA"`
	LegB             models.Leg `json:"legB"`
	DealDate         time.Time  `json:"dealDate"`
	ParticipantEmail string     `json:"participantEmail,omitempty" validate:"omitempty,email"`
	Title            string     `json:"title,omitempty" validate:"max=120"`
	Description      string     `json:"description,omitempty" validate:"max=2000"`
}

// CreateDealResult is returned once to the creator. InviteToken is never
// stored and cannot be recovered later.
type CreateDealResult struct {
	DealID          string              `json:"dealId"`
	Status          models.DealStatus   `json:"status"`
	DealType        models.DealType     `json:"dealType"`
	InviteToken     string              `json:"inviteToken"`
	InviteURL       string              `json:"inviteUrl,omitempty"`
	InviteQR        string              `json:"inviteQr,omitempty"`
	InviteExpiresAt time.Time           `json:"inviteExpiresAt"`
	FeeBreakdown    models.FeeBreakdown `json:"feeBreakdown"`
	FairnessHoldA   int64               `json:"fairnessHoldA"`
	FairnessHoldB   int64               `json:"fairnessHoldB"`
}

// PaymentEvent is a processor-confirmed charge against a deal.
type PaymentEvent struct {
	DealID                     string                `json:"dealId" validate:"required"`
	Party                      models.Party          `json:"party" validate:"required,oneof=A B"`
	Purpose                    models.PaymentPurpose `json:"purpose" validate:"required,oneof=SETUP_FEE CONTRIBUTION FAIRNESS_HOLD"`
	AmountMinorUnits           int64                 `json:"amountMinorUnits" validate:"gte=0"`
	PrincipalPortionMinorUnits int64                 `json:"principalPortionMinorUnits" validate:"gte=0"`
	ProcessorRef               string                `json:"processorRef"`
}

// TransitionResult is a deal after a transition plus, for completion and
// cancellation, what happened at the processor.
type TransitionResult struct {
	Deal       *models.Deal      `json:"deal"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// DealServiceConfig wires a DealService
type DealServiceConfig struct {
	Store   store.DealStore
	Fees    deal.FeePolicy
	Invites *deal.InviteIssuer
	Ledger  *LedgerService
	QR      *InviteQRService
	Guard   *RedisGuard
	Clock   func() time.Time
}

// DealService runs every deal operation through the store's per-deal gate and
// the deal state machine.
type DealService struct {
	store   store.DealStore
	fees    deal.FeePolicy
	invites *deal.InviteIssuer
	ledger  *LedgerService
	qr      *InviteQRService
	guard   *RedisGuard
	audit   *AuditLogger
	now     func() time.Time
}

func NewDealService(config DealServiceConfig) *DealService {
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	ledger := config.Ledger
	if ledger == nil {
		ledger = NewLedgerService(config.Store, nil)
	}
	return &DealService{
		store:   config.Store,
		fees:    config.Fees,
		invites: config.Invites,
		ledger:  ledger,
		qr:      config.QR,
		guard:   config.Guard,
		audit:   NewAuditLogger(),
		now:     clock,
	}
}

// CreateDeal validates the legs, fixes the fee breakdown and issues the invite.
func (s *DealService) CreateDeal(ctx context.Context, req CreateDealRequest) (*CreateDealResult, error) {
	if req.CreatorID == "" {
		return nil, deal.Errorf(deal.ErrUnauthenticated, "creator is required")
	}

	if err := s.guard.CheckCreateRate(ctx, req.CreatorID); err != nil {
		return nil, err
	}

	if err := s.fees.ValidateLeg("legA", req.LegA); err != nil {
		return nil, err
	}
	if err := s.fees.ValidateLeg("legB", req.LegB); err != nil {
		return nil, err
	}

	dealType, err := deal.DealTypeForLegs(req.LegA.Kind, req.LegB.Kind)
	if err != nil {
		return nil, err
	}
	if req.DealType != "" {
		declared, err := deal.NormalizeDealType(req.DealType)
		if err != nil {
			return nil, err
		}
		if declared != dealType {
			return nil, deal.Errorf(deal.ErrInvalidArgument, "deal type %s does not match legs %s/%s", declared, req.LegA.Kind, req.LegB.Kind)
		}
	}

	now := s.now()
	if req.DealDate.IsZero() {
		return nil, deal.Errorf(deal.ErrInvalidArgument, "dealDate is required")
	}
	if !req.DealDate.After(now) {
		return nil, deal.Errorf(deal.ErrInvalidArgument, "dealDate must be in the future")
	}

	breakdown, fees, err := s.fees.Breakdown(dealType, req.LegA, req.LegB)
	if err != nil {
		return nil, err
	}

	token, hash, expiresAt, err := s.invites.Issue(now)
	if err != nil {
		return nil, err
	}

	d := &models.Deal{
		ID:               uuid.NewString(),
		CreatorID:        req.CreatorID,
		ParticipantEmail: strings.TrimSpace(req.ParticipantEmail),
		Status:           models.StatusInvited,
		DealType:         dealType,
		Title:            strings.TrimSpace(req.Title),
		Description:      strings.TrimSpace(req.Description),
		LegA:             req.LegA,
		LegB:             req.LegB,
		DealDate:         req.DealDate.UTC(),
		FeeBreakdown:     breakdown,
		FairnessHoldA:    fees.FairnessHoldA,
		FairnessHoldB:    fees.FairnessHoldB,
		InviteTokenHash:  hash,
		InviteExpiresAt:  &expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	entry := models.AuditEntry{
		DealID:    d.ID,
		ActorID:   req.CreatorID,
		EventType: "create",
		Timestamp: now,
		Details: models.Metadata{
			"status":      string(d.Status),
			"dealType":    string(dealType),
			"totalCharge": breakdown.TotalChargeMinorUnits,
		},
	}
	if err := s.store.Create(ctx, d, entry); err != nil {
		log.Printf("[DEAL] Failed to create deal for %s: %v", req.CreatorID, err)
		return nil, err
	}
	s.guard.RecordCreate(ctx, req.CreatorID)
	s.audit.LogTransition(entry)

	log.Printf("[DEAL] Created deal %s (%s) for %s, total charge %d", d.ID, dealType, req.CreatorID, breakdown.TotalChargeMinorUnits)

	result := &CreateDealResult{
		DealID:          d.ID,
		Status:          d.Status,
		DealType:        dealType,
		InviteToken:     token,
		InviteExpiresAt: expiresAt,
		FeeBreakdown:    breakdown,
		FairnessHoldA:   fees.FairnessHoldA,
		FairnessHoldB:   fees.FairnessHoldB,
	}
	if s.qr != nil {
		result.InviteURL = s.qr.JoinURL(token)
		if qr, err := s.qr.RenderBase64(token); err != nil {
			log.Printf("[DEAL] Failed to render invite QR for deal %s: %v", d.ID, err)
		} else {
			result.InviteQR = qr
		}
	}
	return result, nil
}

// AcceptInvite makes principalID the participant of the deal token belongs to.
// Only the first acceptance can succeed.
func (s *DealService) AcceptInvite(ctx context.Context, principalID, token string) (string, error) {
	if principalID == "" {
		return "", deal.Errorf(deal.ErrUnauthenticated, "sign in to accept an invite")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", deal.Errorf(deal.ErrInvalidArgument, "invite token is required")
	}

	hash, err := s.invites.Hash(token)
	if err != nil {
		return "", err
	}

	found, err := s.store.FindByInviteHash(ctx, hash)
	if err != nil {
		return "", err
	}

	d, _, err := s.apply(ctx, found.ID, "accept", principalID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if err := deal.CheckInvite(d, principalID, now); err != nil {
			return nil, err
		}
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventAccept, transitionContext(d, now))
		if err != nil {
			return nil, err
		}

		d.Status = next
		d.ParticipantID = principalID
		d.InviteConsumedAt = &now

		return &models.Mutation{Audit: []models.AuditEntry{
			transitionAudit(d, principalID, deal.EventAccept, from, now, nil),
		}}, nil
	})
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// RecordPaymentSucceeded stores a processor-confirmed payment and activates
// the deal once both parties have paid everything they owe. A redelivered
// processor reference is ignored.
func (s *DealService) RecordPaymentSucceeded(ctx context.Context, ev PaymentEvent) (*models.Deal, error) {
	if ev.Party != models.PartyA && ev.Party != models.PartyB {
		return nil, deal.Errorf(deal.ErrInvalidArgument, "unknown party %q", ev.Party)
	}
	if ev.AmountMinorUnits < 0 || ev.PrincipalPortionMinorUnits < 0 {
		return nil, deal.Errorf(deal.ErrInvalidArgument, "payment amounts must not be negative")
	}

	d, _, err := s.apply(ctx, ev.DealID, "payment_recorded", models.SystemActor, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if ev.ProcessorRef != "" {
			for _, p := range d.Payments {
				if p.ProcessorRef == ev.ProcessorRef {
					log.Printf("[DEAL] Ignoring duplicate payment %s for deal %s", ev.ProcessorRef, d.ID)
					return nil, nil
				}
			}
		}

		switch d.Status {
		case models.StatusAwaitingFunding:
		case models.StatusInvited:
			if ev.Party != models.PartyA {
				return nil, deal.Errorf(deal.ErrFailedPrecondition, "participant has not joined deal %s", d.ID)
			}
		default:
			return nil, deal.Errorf(deal.ErrFailedPrecondition, "payments are not accepted while deal is %s", d.Status)
		}

		if err := validatePayment(d, ev); err != nil {
			return nil, err
		}
		if d.PaymentsRecorded()[ev.Party][ev.Purpose] {
			return nil, deal.Errorf(deal.ErrAlreadyExists, "%s payment for party %s already recorded", ev.Purpose, ev.Party)
		}

		payment := models.Payment{
			ID:                         uuid.NewString(),
			ProcessorRef:               ev.ProcessorRef,
			Party:                      ev.Party,
			Purpose:                    ev.Purpose,
			AmountMinorUnits:           ev.AmountMinorUnits,
			PrincipalPortionMinorUnits: ev.PrincipalPortionMinorUnits,
			Status:                     models.PaymentSucceeded,
			RecordedAt:                 now,
		}
		d.Payments = append(d.Payments, payment)

		mutation := &models.Mutation{Audit: []models.AuditEntry{{
			DealID:    d.ID,
			ActorID:   models.SystemActor,
			EventType: "payment_recorded",
			Timestamp: now,
			Details: models.Metadata{
				"paymentId":    payment.ID,
				"processorRef": payment.ProcessorRef,
				"party":        string(payment.Party),
				"purpose":      string(payment.Purpose),
				"amount":       payment.AmountMinorUnits,
			},
		}}}

		if d.Status == models.StatusAwaitingFunding && deal.FullyFunded(d) {
			from := d.Status
			next, err := deal.Next(d.Status, deal.EventFund, transitionContext(d, now))
			if err != nil {
				return nil, err
			}
			d.Status = next
			d.ActivatedAt = &now
			mutation.Audit = append(mutation.Audit, transitionAudit(d, models.SystemActor, deal.EventFund, from, now, nil))
		}

		return mutation, nil
	})
	return d, err
}

// RecordPaymentDisputed audits a processor dispute on a deal that cannot be
// frozen, either because it is already frozen or not yet funded.
func (s *DealService) RecordPaymentDisputed(ctx context.Context, ev PaymentEvent, reason string) error {
	_, _, err := s.apply(ctx, ev.DealID, "payment_disputed", models.SystemActor, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		return &models.Mutation{Audit: []models.AuditEntry{{
			DealID:    d.ID,
			ActorID:   models.SystemActor,
			EventType: "payment_disputed",
			Timestamp: now,
			Details: models.Metadata{
				"processorRef": ev.ProcessorRef,
				"party":        string(ev.Party),
				"status":       string(d.Status),
				"reason":       reason,
			},
		}}}, nil
	})
	return err
}

// RecordPaymentFailed only audits a failed charge; the deal does not move.
func (s *DealService) RecordPaymentFailed(ctx context.Context, ev PaymentEvent, reason string) error {
	_, _, err := s.apply(ctx, ev.DealID, "payment_failed", models.SystemActor, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		return &models.Mutation{Audit: []models.AuditEntry{{
			DealID:    d.ID,
			ActorID:   models.SystemActor,
			EventType: "payment_failed",
			Timestamp: now,
			Details: models.Metadata{
				"processorRef": ev.ProcessorRef,
				"party":        string(ev.Party),
				"purpose":      string(ev.Purpose),
				"amount":       ev.AmountMinorUnits,
				"reason":       reason,
			},
		}}}, nil
	})
	return err
}

// ProposeOutcome records a party's proposed resolution. A counter-proposal
// replaces the pending one.
func (s *DealService) ProposeOutcome(ctx context.Context, principal models.Principal, dealID, rawOutcome string) (*models.Deal, error) {
	outcome, err := deal.ParseOutcome(rawOutcome)
	if err != nil {
		return nil, err
	}

	d, _, err := s.apply(ctx, dealID, "propose_outcome", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if _, err := authorizeParty(d, principal); err != nil {
			return nil, err
		}
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventProposeOutcome, transitionContext(d, now))
		if err != nil {
			return nil, err
		}

		d.Status = next
		d.ProposedOutcome = outcome
		d.ProposedBy = principal.UserID
		d.ProposedAt = &now

		return &models.Mutation{Audit: []models.AuditEntry{
			transitionAudit(d, principal.UserID, deal.EventProposeOutcome, from, now, models.Metadata{"outcome": string(outcome)}),
		}}, nil
	})
	return d, err
}

// RejectOutcome discards the pending proposal and resumes the deal.
func (s *DealService) RejectOutcome(ctx context.Context, principal models.Principal, dealID string) (*models.Deal, error) {
	d, _, err := s.apply(ctx, dealID, "reject_outcome", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if _, err := authorizeParty(d, principal); err != nil {
			return nil, err
		}
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventRejectOutcome, transitionContext(d, now))
		if err != nil {
			return nil, err
		}

		rejected := d.ProposedOutcome
		d.Status = next
		clearProposal(d)

		return &models.Mutation{Audit: []models.AuditEntry{
			transitionAudit(d, principal.UserID, deal.EventRejectOutcome, from, now, models.Metadata{"outcome": string(rejected)}),
		}}, nil
	})
	return d, err
}

// ConfirmOutcome accepts the other party's proposal, completes the deal and
// settles it with both fairness holds refunded.
func (s *DealService) ConfirmOutcome(ctx context.Context, principal models.Principal, dealID string) (*TransitionResult, error) {
	d, entries, err := s.apply(ctx, dealID, "confirm_outcome", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if _, err := authorizeParty(d, principal); err != nil {
			return nil, err
		}
		from := d.Status
		confirmed, err := deal.Next(d.Status, deal.EventConfirmOutcome, transitionContext(d, now))
		if err != nil {
			return nil, err
		}
		if d.ProposedBy == principal.UserID {
			return nil, deal.Errorf(deal.ErrInvalidArgument, "a proposal must be confirmed by the other party")
		}

		outcome := d.ProposedOutcome
		d.Status = confirmed
		d.ConfirmedAt = &now
		confirmAudit := transitionAudit(d, principal.UserID, deal.EventConfirmOutcome, from, now, models.Metadata{
			"outcome":    string(outcome),
			"proposedBy": d.ProposedBy,
		})

		completed, err := deal.Next(d.Status, deal.EventComplete, transitionContext(d, now))
		if err != nil {
			return nil, err
		}
		plan, err := deal.PlanCompletion(d, outcome, deal.BothCompleted)
		if err != nil {
			return nil, err
		}

		d.Status = completed
		d.SettledOutcome = outcome
		d.CompletedAt = &now
		d.Extension = nil
		clearProposal(d)

		return &models.Mutation{
			Audit: []models.AuditEntry{
				confirmAudit,
				transitionAudit(d, principal.UserID, deal.EventComplete, confirmed, now, models.Metadata{
					"outcome":    string(outcome),
					"category":   string(deal.BothCompleted),
					"settlement": plan.Describe(),
				}),
			},
			Ledger: plan.Entries,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, d, entries)
}

// FreezeDeal opens a dispute. Parties, admins and the processor's dispute
// webhook may freeze.
func (s *DealService) FreezeDeal(ctx context.Context, principal models.Principal, dealID, reason string) (*models.Deal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, deal.Errorf(deal.ErrInvalidArgument, "a dispute reason is required")
	}

	d, _, err := s.apply(ctx, dealID, "freeze", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if err := authorizePartyOrAdmin(d, principal); err != nil {
			return nil, err
		}
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventFreeze, transitionContext(d, now))
		if err != nil {
			return nil, err
		}

		d.Status = next
		d.Dispute = &models.Dispute{
			Status:      models.DisputeOpen,
			Reason:      reason,
			InitiatedBy: principal.UserID,
			OpenedAt:    now,
		}
		clearProposal(d)

		return &models.Mutation{Audit: []models.AuditEntry{
			transitionAudit(d, principal.UserID, deal.EventFreeze, from, now, models.Metadata{"reason": reason}),
		}}, nil
	})
	return d, err
}

// UnfreezeDeal resolves the open dispute. Only an admin or whoever opened the
// dispute may lift it.
func (s *DealService) UnfreezeDeal(ctx context.Context, principal models.Principal, dealID, resolution string) (*models.Deal, error) {
	d, _, err := s.apply(ctx, dealID, "unfreeze", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if err := authorizePartyOrAdmin(d, principal); err != nil {
			return nil, err
		}
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventUnfreeze, transitionContext(d, now))
		if err != nil {
			return nil, err
		}
		if !principal.Admin && (d.Dispute == nil || d.Dispute.InitiatedBy != principal.UserID) {
			return nil, deal.Errorf(deal.ErrPermissionDenied, "only an admin or the dispute initiator can unfreeze")
		}

		d.Status = next
		resolveDispute(d, principal.UserID, strings.TrimSpace(resolution), now)

		return &models.Mutation{Audit: []models.AuditEntry{
			transitionAudit(d, principal.UserID, deal.EventUnfreeze, from, now, models.Metadata{"resolution": resolution}),
		}}, nil
	})
	return d, err
}

// CancelDeal cancels a deal before it is funded, refunding principal and
// retaining fees.
func (s *DealService) CancelDeal(ctx context.Context, principal models.Principal, dealID, reason string) (*TransitionResult, error) {
	d, entries, err := s.apply(ctx, dealID, "cancel", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if err := authorizePartyOrAdmin(d, principal); err != nil {
			return nil, err
		}
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventCancel, transitionContext(d, now))
		if err != nil {
			return nil, err
		}

		plan := deal.PlanCancellation(d)
		d.Status = next
		d.CancelledAt = &now
		d.CancelReason = strings.TrimSpace(reason)

		return &models.Mutation{
			Audit: []models.AuditEntry{
				transitionAudit(d, principal.UserID, deal.EventCancel, from, now, models.Metadata{
					"reason":     d.CancelReason,
					"settlement": plan.Describe(),
				}),
			},
			Ledger: plan.Entries,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, d, entries)
}

// CompleteDeal is the admin resolution path: the admin picks the outcome for
// the principal and the fairness category for the holds.
func (s *DealService) CompleteDeal(ctx context.Context, principal models.Principal, dealID, rawOutcome, rawCategory string) (*TransitionResult, error) {
	if !principal.Admin {
		return nil, deal.Errorf(deal.ErrPermissionDenied, "only admins can complete deals directly")
	}
	outcome, err := deal.ParseOutcome(rawOutcome)
	if err != nil {
		return nil, err
	}
	category, err := deal.ParseFairnessCategory(rawCategory)
	if err != nil {
		return nil, err
	}

	d, entries, err := s.apply(ctx, dealID, "complete", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		from := d.Status
		next, err := deal.Next(d.Status, deal.EventComplete, transitionContext(d, now))
		if err != nil {
			return nil, err
		}
		plan, err := deal.PlanCompletion(d, outcome, category)
		if err != nil {
			return nil, err
		}

		d.Status = next
		d.SettledOutcome = outcome
		d.CompletedAt = &now
		d.Extension = nil
		clearProposal(d)
		if d.Dispute != nil {
			resolveDispute(d, principal.UserID, "completed as "+string(outcome)+"/"+string(category), now)
		}

		return &models.Mutation{
			Audit: []models.AuditEntry{
				transitionAudit(d, principal.UserID, deal.EventComplete, from, now, models.Metadata{
					"outcome":    string(outcome),
					"category":   string(category),
					"settlement": plan.Describe(),
				}),
			},
			Ledger: plan.Entries,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, d, entries)
}

// RequestExtension asks the other party to push out an elapsed deal date.
func (s *DealService) RequestExtension(ctx context.Context, principal models.Principal, dealID, rawType string) (*models.Deal, error) {
	extType := models.ExtensionType(strings.ToUpper(strings.TrimSpace(rawType)))
	fee, err := s.fees.ExtensionFee(extType)
	if err != nil {
		return nil, err
	}

	d, _, err := s.apply(ctx, dealID, "extension_requested", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if _, err := authorizeParty(d, principal); err != nil {
			return nil, err
		}
		if d.Status != models.StatusPastDue {
			return nil, deal.Errorf(deal.ErrFailedPrecondition, "extensions can only be requested while past due, deal is %s", d.Status)
		}
		if d.Extension != nil {
			return nil, deal.Errorf(deal.ErrAlreadyExists, "an extension request is already pending")
		}

		d.Extension = &models.ExtensionRequest{
			RequestedBy:   principal.UserID,
			Type:          extType,
			FeeMinorUnits: fee,
			RequestedAt:   now,
		}

		return &models.Mutation{Audit: []models.AuditEntry{{
			DealID:    d.ID,
			ActorID:   principal.UserID,
			EventType: "extension_requested",
			Timestamp: now,
			Details:   models.Metadata{"type": string(extType), "fee": fee},
		}}}, nil
	})
	return d, err
}

// ApproveExtension accepts the pending request: the deal date moves out, the
// fee is added and the deal is active again.
func (s *DealService) ApproveExtension(ctx context.Context, principal models.Principal, dealID string) (*models.Deal, error) {
	d, _, err := s.apply(ctx, dealID, "approve_extension", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if _, err := authorizeParty(d, principal); err != nil {
			return nil, err
		}
		ext := d.Extension
		if ext == nil {
			return nil, deal.Errorf(deal.ErrFailedPrecondition, "no extension request is pending")
		}
		if ext.RequestedBy == principal.UserID {
			return nil, deal.Errorf(deal.ErrInvalidArgument, "an extension must be approved by the other party")
		}

		from := d.Status
		next, err := deal.Next(d.Status, deal.EventApproveExtension, transitionContext(d, now))
		if err != nil {
			return nil, err
		}
		newDate, err := s.fees.ExtendDealDate(d.DealDate, ext.Type)
		if err != nil {
			return nil, err
		}

		previous := d.DealDate
		d.Status = next
		d.DealDate = newDate
		d.ExtensionFeesTotalMinorUnits += ext.FeeMinorUnits
		d.Extension = nil

		return &models.Mutation{Audit: []models.AuditEntry{
			transitionAudit(d, principal.UserID, deal.EventApproveExtension, from, now, models.Metadata{
				"type":             string(ext.Type),
				"fee":              ext.FeeMinorUnits,
				"requestedBy":      ext.RequestedBy,
				"previousDealDate": previous,
				"dealDate":         newDate,
			}),
		}}, nil
	})
	return d, err
}

// DeclineExtension clears the pending request without changing status.
func (s *DealService) DeclineExtension(ctx context.Context, principal models.Principal, dealID string) (*models.Deal, error) {
	d, _, err := s.apply(ctx, dealID, "extension_declined", principal.UserID, func(d *models.Deal, now time.Time) (*models.Mutation, error) {
		if _, err := authorizeParty(d, principal); err != nil {
			return nil, err
		}
		ext := d.Extension
		if ext == nil {
			return nil, deal.Errorf(deal.ErrFailedPrecondition, "no extension request is pending")
		}
		if ext.RequestedBy == principal.UserID {
			return nil, deal.Errorf(deal.ErrInvalidArgument, "an extension must be declined by the other party")
		}

		d.Extension = nil

		return &models.Mutation{Audit: []models.AuditEntry{{
			DealID:    d.ID,
			ActorID:   principal.UserID,
			EventType: "extension_declined",
			Timestamp: now,
			Details:   models.Metadata{"type": string(ext.Type), "requestedBy": ext.RequestedBy},
		}}}, nil
	})
	return d, err
}

// GetDeal returns a deal to one of its parties or an admin. Anyone else sees
// NotFound so deal ids cannot be probed.
func (s *DealService) GetDeal(ctx context.Context, principal models.Principal, dealID string) (*models.Deal, error) {
	if principal.UserID == "" {
		return nil, deal.Errorf(deal.ErrUnauthenticated, "authentication required")
	}

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !principal.Admin && !d.IsParty(principal.UserID) {
		return nil, deal.Errorf(deal.ErrNotFound, "deal %s not found", dealID)
	}
	return d, nil
}

// ListDealsForUser returns the principal's deals, newest first.
func (s *DealService) ListDealsForUser(ctx context.Context, principal models.Principal, limit int) ([]*models.Deal, error) {
	if principal.UserID == "" {
		return nil, deal.Errorf(deal.ErrUnauthenticated, "authentication required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListByUser(ctx, principal.UserID, limit)
}

// GetLedger lists the settlement entries of a deal.
func (s *DealService) GetLedger(ctx context.Context, principal models.Principal, dealID string) ([]models.LedgerEntry, error) {
	if _, err := s.GetDeal(ctx, principal, dealID); err != nil {
		return nil, err
	}
	return s.store.ListLedger(ctx, dealID)
}

// GetAuditTrail lists the audit entries of a deal, oldest first.
func (s *DealService) GetAuditTrail(ctx context.Context, principal models.Principal, dealID string) ([]models.AuditEntry, error) {
	if _, err := s.GetDeal(ctx, principal, dealID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, dealID)
}

// InviteQR renders the join link for token as a PNG. Only the creator holding
// the live token can fetch it.
func (s *DealService) InviteQR(ctx context.Context, principal models.Principal, dealID, token string) ([]byte, error) {
	if s.qr == nil {
		return nil, deal.Errorf(deal.ErrFailedPrecondition, "invite links are not configured")
	}

	d, err := s.GetDeal(ctx, principal, dealID)
	if err != nil {
		return nil, err
	}
	if d.CreatorID != principal.UserID {
		return nil, deal.Errorf(deal.ErrPermissionDenied, "only the creator can share the invite")
	}

	hash, err := s.invites.Hash(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(d.InviteTokenHash)) != 1 {
		return nil, deal.Errorf(deal.ErrInvalidArgument, "token does not belong to deal %s", dealID)
	}
	if d.InviteConsumedAt != nil {
		return nil, deal.Errorf(deal.ErrAlreadyExists, "invite token already used")
	}
	if d.InviteExpiresAt == nil || s.now().After(*d.InviteExpiresAt) {
		return nil, deal.Errorf(deal.ErrDeadlineExceeded, "invite token expired")
	}

	return s.qr.RenderPNG(token)
}

// RetrySettlement re-executes failed ledger entries. Admin only.
func (s *DealService) RetrySettlement(ctx context.Context, principal models.Principal, dealID string) (*SettlementResult, error) {
	return s.ledger.RetryFailed(ctx, principal, dealID)
}

// apply runs fn inside the store's per-deal transaction and echoes the
// resulting audit entries once the transaction has committed.
func (s *DealService) apply(ctx context.Context, dealID, op, actorID string, fn func(d *models.Deal, now time.Time) (*models.Mutation, error)) (*models.Deal, []models.LedgerEntry, error) {
	if dealID == "" {
		return nil, nil, deal.Errorf(deal.ErrInvalidArgument, "deal id is required")
	}

	now := s.now()
	var mutation *models.Mutation
	d, entries, err := s.store.Update(ctx, dealID, func(d *models.Deal) (*models.Mutation, error) {
		m, err := fn(d, now)
		mutation = m
		return m, err
	})
	if err != nil {
		if deal.KindOf(err) == nil {
			s.audit.LogError(dealID, actorID, op, err)
		}
		log.Printf("[DEAL] %s on deal %s by %s rejected: %v", op, dealID, actorID, err)
		return nil, nil, err
	}

	if mutation != nil {
		for _, entry := range mutation.Audit {
			s.audit.LogTransition(entry)
		}
	}
	return d, entries, nil
}

// settle executes committed ledger entries. The deal has already moved, so a
// processor failure is reported alongside it rather than undoing it.
func (s *DealService) settle(ctx context.Context, d *models.Deal, entries []models.LedgerEntry) (*TransitionResult, error) {
	result := &TransitionResult{Deal: d}
	if len(entries) == 0 {
		return result, nil
	}

	settlement, err := s.ledger.Execute(ctx, d.ID, entries)
	result.Settlement = settlement
	if err != nil && !errors.Is(err, deal.ErrPartialFailure) {
		return nil, err
	}
	return result, err
}

func transitionContext(d *models.Deal, now time.Time) deal.TransitionContext {
	return deal.TransitionContext{Now: now, DealDate: d.DealDate}
}

func transitionAudit(d *models.Deal, actorID string, event deal.Event, from models.DealStatus, now time.Time, details models.Metadata) models.AuditEntry {
	if details == nil {
		details = models.Metadata{}
	}
	details["from"] = string(from)
	details["to"] = string(d.Status)
	return models.AuditEntry{
		DealID:    d.ID,
		ActorID:   actorID,
		EventType: string(event),
		Details:   details,
		Timestamp: now,
	}
}

func authorizeParty(d *models.Deal, principal models.Principal) (models.Party, error) {
	if principal.UserID == "" {
		return "", deal.Errorf(deal.ErrUnauthenticated, "authentication required")
	}
	party, ok := d.PartyOf(principal.UserID)
	if !ok {
		return "", deal.Errorf(deal.ErrPermissionDenied, "user %s is not a party to deal %s", principal.UserID, d.ID)
	}
	return party, nil
}

func authorizePartyOrAdmin(d *models.Deal, principal models.Principal) error {
	if principal.Admin && principal.UserID != "" {
		return nil
	}
	_, err := authorizeParty(d, principal)
	return err
}

func clearProposal(d *models.Deal) {
	d.ProposedOutcome = ""
	d.ProposedBy = ""
	d.ProposedAt = nil
}

func resolveDispute(d *models.Deal, resolvedBy, resolution string, now time.Time) {
	if d.Dispute == nil {
		return
	}
	resolved := *d.Dispute
	resolved.Status = models.DisputeResolved
	resolved.ResolvedAt = &now
	resolved.ResolvedBy = resolvedBy
	resolved.Resolution = resolution
	d.Disputes = append(d.Disputes, resolved)
	d.Dispute = nil
}

// validatePayment checks a payment against what the party owes for its purpose.
func validatePayment(d *models.Deal, ev PaymentEvent) error {
	owed := false
	for _, purpose := range deal.RequiredPayments(d, ev.Party) {
		if purpose == ev.Purpose {
			owed = true
		}
	}
	if !owed {
		return deal.Errorf(deal.ErrInvalidArgument, "party %s owes no %s payment", ev.Party, ev.Purpose)
	}

	expected, err := deal.ExpectedAmount(d, ev.Party, ev.Purpose)
	if err != nil {
		return err
	}

	if ev.Purpose == models.PurposeSetupFee {
		if ev.PrincipalPortionMinorUnits != 0 {
			return deal.Errorf(deal.ErrInvalidArgument, "setup fee payments carry no principal")
		}
		if ev.AmountMinorUnits < expected {
			return deal.Errorf(deal.ErrInvalidArgument, "setup fee %d is below %d", ev.AmountMinorUnits, expected)
		}
		return nil
	}

	if ev.PrincipalPortionMinorUnits != expected {
		return deal.Errorf(deal.ErrInvalidArgument, "%s principal portion %d does not match %d", ev.Purpose, ev.PrincipalPortionMinorUnits, expected)
	}
	if ev.AmountMinorUnits < ev.PrincipalPortionMinorUnits {
		return deal.Errorf(deal.ErrInvalidArgument, "payment amount %d is below its principal portion %d", ev.AmountMinorUnits, ev.PrincipalPortionMinorUnits)
	}
	return nil
}
