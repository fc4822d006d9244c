package services

import (
	"encoding/json"
	"log"
	"time"

	"github.com/moneygood/backend/internal/models"
)

// AuditEvent is the log echo of a persisted audit entry or a settlement step
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	DealID    string    `json:"deal_id"`
	ActorID   string    `json:"actor_id"`
	Amount    int64     `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// AuditLogger echoes audit records to the process log. The store holds the
// durable copy; the echo is best effort.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogTransition(entry models.AuditEntry) {
	a.log(AuditEvent{
		Timestamp: entry.Timestamp,
		EventType: entry.EventType,
		DealID:    entry.DealID,
		ActorID:   entry.ActorID,
		Status:    "SUCCESS",
		Details:   entry.Details,
	})
}

func (a *AuditLogger) LogLedgerEntry(entry models.LedgerEntry) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: string(entry.Kind),
		DealID:    entry.DealID,
		ActorID:   models.SystemActor,
		Amount:    entry.AmountMinorUnits,
		Status:    entry.Status,
		Details: map[string]string{
			"entry_id":   entry.ID,
			"payment_id": entry.PaymentID,
			"party":      string(entry.Party),
			"error":      entry.Error,
		},
	})
}

func (a *AuditLogger) LogError(dealID, actorID, operation string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		DealID:    dealID,
		ActorID:   actorID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
