package models

import (
	"time"
)

// DealStatus represents a deal lifecycle state
type DealStatus string

const (
	StatusDraft           DealStatus = "draft"
	StatusInvited         DealStatus = "invited"
	StatusAwaitingFunding DealStatus = "awaiting_funding"
	StatusActive          DealStatus = "active"
	StatusOutcomeProposed DealStatus = "outcome_proposed"
	StatusConfirmed       DealStatus = "confirmed"
	StatusPastDue         DealStatus = "past_due"
	StatusFrozen          DealStatus = "frozen"
	StatusCompleted       DealStatus = "completed"
	StatusCancelled       DealStatus = "cancelled"
)

// AllStatuses lists every deal status in lifecycle order.
var AllStatuses = []DealStatus{
	StatusDraft,
	StatusInvited,
	StatusAwaitingFunding,
	StatusActive,
	StatusOutcomeProposed,
	StatusConfirmed,
	StatusPastDue,
	StatusFrozen,
	StatusCompleted,
	StatusCancelled,
}

// IsTerminal reports whether no further transition can leave s.
func (s DealStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// LegKind is the kind of commitment one party brings
type LegKind string

const (
	LegMoney   LegKind = "MONEY"
	LegGoods   LegKind = "GOODS"
	LegService LegKind = "SERVICE"
)

// DealType is the normalized pair of leg kinds
type DealType string

const (
	DealMoneyMoney     DealType = "MONEY_MONEY"
	DealMoneyGoods     DealType = "MONEY_GOODS"
	DealMoneyService   DealType = "MONEY_SERVICE"
	DealGoodsGoods     DealType = "GOODS_GOODS"
	DealGoodsService   DealType = "GOODS_SERVICE"
	DealServiceService DealType = "SERVICE_SERVICE"
)

// Party identifies a side of the deal. A is always the creator.
type Party string

const (
	PartyA Party = "A"
	PartyB Party = "B"
)

// Outcome is the resolution a party proposes for the principal held
type Outcome string

const (
	OutcomeReleaseToCreator     Outcome = "RELEASE_TO_CREATOR"
	OutcomeReleaseToParticipant Outcome = "RELEASE_TO_PARTICIPANT"
	OutcomeRefundBoth           Outcome = "REFUND_BOTH"
)

// ExtensionType selects how many days an approved extension adds
type ExtensionType string

const (
	ExtensionStandard ExtensionType = "STANDARD"
	ExtensionExtended ExtensionType = "EXTENDED"
)

// Leg is one party's side of a deal. MONEY legs carry a principal, GOODS and
// SERVICE legs carry a description and a declared value.
type Leg struct {
	Kind                    LegKind `json:"kind" validate:"required,oneof=MONEY GOODS SERVICE"`
	PrincipalMinorUnits     int64   `json:"principalMinorUnits,omitempty" validate:"gte=0"`
	Description             string  `json:"description,omitempty" validate:"max=500"`
	DeclaredValueMinorUnits int64   `json:"declaredValueMinorUnits,omitempty" validate:"gte=0"`
}

// IsMoney reports whether the leg is a monetary commitment.
func (l Leg) IsMoney() bool {
	return l.Kind == LegMoney
}

// FeeBreakdown is fixed at creation and never re-derived
type FeeBreakdown struct {
	PrincipalMinorUnits   int64 `json:"principalMinorUnits"`
	SetupFeeMinorUnits    int64 `json:"setupFeeMinorUnits"`
	TotalChargeMinorUnits int64 `json:"totalChargeMinorUnits"`
}

// ExtensionRequest is present while an extension negotiation is pending
type ExtensionRequest struct {
	RequestedBy   string        `json:"requestedBy"`
	Type          ExtensionType `json:"type"`
	FeeMinorUnits int64         `json:"feeMinorUnits"`
	RequestedAt   time.Time     `json:"requestedAt"`
}

// DisputeStatus represents the state of a dispute
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// Dispute is opened by a freeze and resolved by an unfreeze or admin completion
type Dispute struct {
	Status      DisputeStatus `json:"status"`
	Reason      string        `json:"reason"`
	InitiatedBy string        `json:"initiatedBy"`
	OpenedAt    time.Time     `json:"openedAt"`
	ResolvedAt  *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy  string        `json:"resolvedBy,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
}

// Deal is the aggregate root. It is persisted as one document.
type Deal struct {
	ID               string     `json:"id" db:"id"`
	CreatorID        string     `json:"creatorId" db:"creator_id"`
	ParticipantID    string     `json:"participantId,omitempty" db:"participant_id"`
	ParticipantEmail string     `json:"participantEmail,omitempty"`
	Status           DealStatus `json:"status" db:"status"`
	DealType         DealType   `json:"dealType"`
	Title            string     `json:"title,omitempty"`
	Description      string     `json:"description,omitempty"`
	LegA             Leg        `json:"legA"`
	LegB             Leg        `json:"legB"`
	DealDate         time.Time  `json:"dealDate" db:"deal_date"`

	FeeBreakdown  FeeBreakdown `json:"feeBreakdown"`
	FairnessHoldA int64        `json:"fairnessHoldA"`
	FairnessHoldB int64        `json:"fairnessHoldB"`

	InviteTokenHash  string     `json:"-" db:"invite_token_hash"`
	InviteExpiresAt  *time.Time `json:"inviteExpiresAt,omitempty"`
	InviteConsumedAt *time.Time `json:"inviteConsumedAt,omitempty"`

	ProposedOutcome Outcome    `json:"proposedOutcome,omitempty"`
	ProposedBy      string     `json:"proposedBy,omitempty"`
	ProposedAt      *time.Time `json:"proposedAt,omitempty"`
	SettledOutcome  Outcome    `json:"settledOutcome,omitempty"`

	Extension                    *ExtensionRequest `json:"extension,omitempty"`
	ExtensionFeesTotalMinorUnits int64             `json:"extensionFeesTotalMinorUnits"`

	Payments []Payment `json:"payments,omitempty"`
	Dispute  *Dispute  `json:"dispute,omitempty"`
	Disputes []Dispute `json:"disputes,omitempty"`

	FundingOverdueAt *time.Time `json:"fundingOverdueAt,omitempty"`
	CancelReason     string     `json:"cancelReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	Version     int        `json:"version" db:"version"`
}

// PartyOf returns which side userID is on.
func (d *Deal) PartyOf(userID string) (Party, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == d.CreatorID:
		return PartyA, true
	case userID == d.ParticipantID:
		return PartyB, true
	}
	return "", false
}

// IsParty reports whether userID is the creator or participant.
func (d *Deal) IsParty(userID string) bool {
	_, ok := d.PartyOf(userID)
	return ok
}

// Leg returns the leg committed by p.
func (d *Deal) Leg(p Party) Leg {
	if p == PartyB {
		return d.LegB
	}
	return d.LegA
}

// FairnessHold returns the hold charged to p.
func (d *Deal) FairnessHold(p Party) int64 {
	if p == PartyB {
		return d.FairnessHoldB
	}
	return d.FairnessHoldA
}

// PaymentsRecorded reports, per party and purpose, which payments have succeeded.
func (d *Deal) PaymentsRecorded() map[Party]map[PaymentPurpose]bool {
	recorded := map[Party]map[PaymentPurpose]bool{
		PartyA: {},
		PartyB: {},
	}
	for _, p := range d.Payments {
		if p.Status == PaymentSucceeded {
			recorded[p.Party][p.Purpose] = true
		}
	}
	return recorded
}

// Clone returns a deep copy so store implementations never share mutable state.
func (d *Deal) Clone() *Deal {
	c := *d
	c.Payments = append([]Payment(nil), d.Payments...)
	c.Disputes = append([]Dispute(nil), d.Disputes...)
	if d.Dispute != nil {
		dispute := *d.Dispute
		c.Dispute = &dispute
	}
	if d.Extension != nil {
		ext := *d.Extension
		c.Extension = &ext
	}
	return &c
}
