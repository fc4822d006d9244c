package deal

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/moneygood/backend/internal/models"
	"golang.org/x/crypto/blake2b"
)

const inviteTokenBytes = 32

// DefaultInviteTTL is how long an invite token stays valid.
const DefaultInviteTTL = 7 * 24 * time.Hour

// InviteIssuer creates and hashes invite tokens. Only hashes are persisted.
type InviteIssuer struct {
	pepper []byte
	ttl    time.Duration
}

// NewInviteIssuer builds an issuer. The pepper keys the token hash and must
// be at most 64 bytes.
func NewInviteIssuer(pepper string, ttl time.Duration) (*InviteIssuer, error) {
	if len(pepper) > blake2b.Size {
		return nil, fmt.Errorf("invite pepper longer than %d bytes", blake2b.Size)
	}
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	return &InviteIssuer{pepper: []byte(pepper), ttl: ttl}, nil
}

// TTL returns the configured token lifetime.
func (i *InviteIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue returns a fresh token, its hash and absolute expiry.
func (i *InviteIssuer) Issue(now time.Time) (token, hash string, expiresAt time.Time, err error) {
	b := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", time.Time{}, fmt.Errorf("generate invite token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	hash, err = i.Hash(token)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, hash, now.Add(i.ttl), nil
}

// Hash returns the keyed BLAKE2b-256 hex digest of token.
func (i *InviteIssuer) Hash(token string) (string, error) {
	h, err := blake2b.New256(i.pepper)
	if err != nil {
		return "", err
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckInvite applies the single-use rules for principalID presenting a token
// that resolved to d. The order matters: a consumed token is reported as
// consumed even after it has expired.
func CheckInvite(d *models.Deal, principalID string, now time.Time) error {
	if d.InviteConsumedAt != nil || d.ParticipantID != "" {
		return Errorf(ErrAlreadyExists, "invite token already used")
	}
	if principalID == d.CreatorID {
		return Errorf(ErrInvalidArgument, "cannot join your own deal")
	}
	if d.InviteExpiresAt == nil || now.After(*d.InviteExpiresAt) {
		return Errorf(ErrDeadlineExceeded, "invite token expired")
	}
	return nil
}
