package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// AuditEntry is appended for every successful deal transition
type AuditEntry struct {
	DealID    string    `json:"dealId" db:"deal_id"`
	ActorID   string    `json:"actorId" db:"actor_id"`
	EventType string    `json:"eventType" db:"event_type"`
	Details   Metadata  `json:"details,omitempty" db:"details"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// Mutation is what a transition writes alongside the updated deal, in the same
// store transaction. Each machine transition contributes one audit entry.
type Mutation struct {
	Audit  []AuditEntry
	Ledger []LedgerEntry
}
