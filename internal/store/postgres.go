package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore keeps each deal as a JSONB document with the columns needed
// for lookups and locking split out.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, d *models.Deal, audit models.AuditEntry) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deals (id, status, creator_id, participant_id, deal_date, invite_token_hash, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, string(d.Status), d.CreatorID, d.ParticipantID, d.DealDate, d.InviteTokenHash, d.Version, doc, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return deal.Errorf(deal.ErrAlreadyExists, "deal %s already exists", d.ID)
		}
		return fmt.Errorf("insert deal: %w", err)
	}

	stampAudit(&audit, d.ID, s.now())
	if err := s.insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Deal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document, invite_token_hash, version FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, deal.Errorf(deal.ErrNotFound, "deal %s not found", id)
	}
	return d, err
}

func (s *PostgresStore) FindByInviteHash(ctx context.Context, hash string) (*models.Deal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document, invite_token_hash, version FROM deals WHERE invite_token_hash = $1`, hash)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, deal.Errorf(deal.ErrNotFound, "invite token not found")
	}
	return d, err
}

// Update locks the row, applies fn and writes the new document guarded by the
// version it read, together with ledger entries and the audit record.
func (s *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*models.Deal, []models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	d, err := s.lockDeal(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	version := d.Version

	mutation, err := fn(d)
	if err != nil {
		return nil, nil, err
	}
	if mutation == nil {
		return d, nil, nil
	}

	now := s.now()
	d.Version = version + 1
	d.UpdatedAt = now

	if err := s.writeDeal(ctx, tx, d, version); err != nil {
		return nil, nil, err
	}

	entries := make([]models.LedgerEntry, 0, len(mutation.Ledger))
	for _, e := range mutation.Ledger {
		e.ID = uuid.NewString()
		e.DealID = d.ID
		e.CreatedAt = now
		e.UpdatedAt = now
		if err := s.insertLedgerEntry(ctx, tx, e); err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}

	for i := range mutation.Audit {
		stampAudit(&mutation.Audit[i], d.ID, now)
		if err := s.insertAudit(ctx, tx, mutation.Audit[i]); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit deal %s: %w", id, err)
	}
	return d, entries, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document, invite_token_hash, version FROM deals
		WHERE creator_id = $1 OR participant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []*models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func (s *PostgresStore) ListSweepCandidates(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM deals
		WHERE deal_date < $1
		AND (status = $2 OR (status = $3 AND document->>'fundingOverdueAt' IS NULL))
		ORDER BY deal_date
		LIMIT $4`, now, string(models.StatusActive), string(models.StatusAwaitingFunding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListLedger(ctx context.Context, dealID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deal_id, payment_id, party, kind, amount, status, error, created_at, updated_at
		FROM deal_ledger_entries
		WHERE deal_id = $1
		ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.DealID, &e.PaymentID, &e.Party, &e.Kind, &e.AmountMinorUnits,
			&e.Status, &e.Error, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) MarkLedgerEntry(ctx context.Context, entryID, status, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deal_ledger_entries
		SET status = $1, error = $2, updated_at = $3
		WHERE id = $4`,
		status, errMsg, s.now(), entryID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return deal.Errorf(deal.ErrNotFound, "ledger entry %s not found", entryID)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, dealID string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deal_id, actor_id, event_type, details, created_at
		FROM deal_audit_log
		WHERE deal_id = $1
		ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var a models.AuditEntry
		if err := rows.Scan(&a.DealID, &a.ActorID, &a.EventType, &a.Details, &a.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) lockDeal(ctx context.Context, tx *sql.Tx, id string) (*models.Deal, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT document, invite_token_hash, version
		FROM deals
		WHERE id = $1
		FOR UPDATE`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, deal.Errorf(deal.ErrNotFound, "deal %s not found", id)
	}
	return d, err
}

func (s *PostgresStore) writeDeal(ctx context.Context, tx *sql.Tx, d *models.Deal, version int) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deal: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE deals
		SET status = $1, participant_id = $2, deal_date = $3, invite_token_hash = $4, document = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(d.Status), d.ParticipantID, d.DealDate, d.InviteTokenHash, doc, d.UpdatedAt, d.ID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		log.Printf("[STORE] Optimistic lock failed for deal %s at version %d", d.ID, version)
		return fmt.Errorf("optimistic lock failed for deal %s", d.ID)
	}

	return nil
}

func (s *PostgresStore) insertLedgerEntry(ctx context.Context, tx *sql.Tx, e models.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deal_ledger_entries (id, deal_id, payment_id, party, kind, amount, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.DealID, e.PaymentID, string(e.Party), string(e.Kind), e.AmountMinorUnits, e.Status, e.Error, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertAudit(ctx context.Context, tx *sql.Tx, a models.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deal_audit_log (deal_id, actor_id, event_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.DealID, a.ActorID, a.EventType, a.Details, a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*models.Deal, error) {
	var (
		doc     []byte
		hash    sql.NullString
		version int
	)
	if err := row.Scan(&doc, &hash, &version); err != nil {
		return nil, err
	}

	var d models.Deal
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode deal document: %w", err)
	}
	d.InviteTokenHash = hash.String
	d.Version = version
	return &d, nil
}
