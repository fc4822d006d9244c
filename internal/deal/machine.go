package deal

import (
	"time"

	"github.com/moneygood/backend/internal/models"
)

// Event is an intent that may move a deal between statuses.
type Event string

const (
	EventAccept           Event = "accept"
	EventFund             Event = "fund"
	EventProposeOutcome   Event = "propose_outcome"
	EventRejectOutcome    Event = "reject_outcome"
	EventConfirmOutcome   Event = "confirm_outcome"
	EventPastDue          Event = "pastdue"
	EventFreeze           Event = "freeze"
	EventUnfreeze         Event = "unfreeze"
	EventApproveExtension Event = "approve_extension"
	EventComplete         Event = "complete"
	EventCancel           Event = "cancel"
)

// AllEvents lists every event the machine understands.
var AllEvents = []Event{
	EventAccept,
	EventFund,
	EventProposeOutcome,
	EventRejectOutcome,
	EventConfirmOutcome,
	EventPastDue,
	EventFreeze,
	EventUnfreeze,
	EventApproveExtension,
	EventComplete,
	EventCancel,
}

// TransitionContext carries the inputs conditional targets depend on.
type TransitionContext struct {
	Now      time.Time
	DealDate time.Time
}

// Next returns the status event moves current to. Any pair outside the
// transition table is rejected with ErrFailedPrecondition; freezing a deal
// that already has an open dispute is ErrAlreadyExists.
func Next(current models.DealStatus, event Event, tc TransitionContext) (models.DealStatus, error) {
	switch event {
	case EventAccept:
		if current == models.StatusInvited {
			return models.StatusAwaitingFunding, nil
		}

	case EventFund:
		if current == models.StatusAwaitingFunding {
			return models.StatusActive, nil
		}

	case EventProposeOutcome:
		switch current {
		case models.StatusActive, models.StatusPastDue, models.StatusOutcomeProposed:
			return models.StatusOutcomeProposed, nil
		}

	case EventRejectOutcome:
		if current == models.StatusOutcomeProposed {
			return resumeStatus(tc), nil
		}

	case EventConfirmOutcome:
		if current == models.StatusOutcomeProposed {
			return models.StatusConfirmed, nil
		}

	case EventPastDue:
		if current == models.StatusActive {
			return models.StatusPastDue, nil
		}

	case EventFreeze:
		switch current {
		case models.StatusActive, models.StatusPastDue, models.StatusOutcomeProposed:
			return models.StatusFrozen, nil
		case models.StatusFrozen:
			return current, Errorf(ErrAlreadyExists, "deal is already frozen")
		}

	case EventUnfreeze:
		if current == models.StatusFrozen {
			return resumeStatus(tc), nil
		}

	case EventApproveExtension:
		if current == models.StatusPastDue {
			return models.StatusActive, nil
		}

	case EventComplete:
		switch current {
		case models.StatusActive, models.StatusConfirmed, models.StatusPastDue, models.StatusFrozen:
			return models.StatusCompleted, nil
		}

	case EventCancel:
		switch current {
		case models.StatusDraft, models.StatusInvited, models.StatusAwaitingFunding:
			return models.StatusCancelled, nil
		}

	default:
		return current, Errorf(ErrInvalidArgument, "unknown event %q", event)
	}

	return current, Errorf(ErrFailedPrecondition, "%s is not allowed while deal is %s", event, current)
}

// Allowed reports whether event is legal from current.
func Allowed(current models.DealStatus, event Event, tc TransitionContext) bool {
	_, err := Next(current, event, tc)
	return err == nil
}

// AvailableEvents lists the events legal from current, for clients that render actions.
func AvailableEvents(current models.DealStatus, tc TransitionContext) []Event {
	var events []Event
	for _, e := range AllEvents {
		if Allowed(current, e, tc) {
			events = append(events, e)
		}
	}
	return events
}

func resumeStatus(tc TransitionContext) models.DealStatus {
	if IsPastDue(tc.DealDate, tc.Now) {
		return models.StatusPastDue
	}
	return models.StatusActive
}
