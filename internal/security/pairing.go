package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const pairingCodeTTL = 10 * time.Minute

// PairingStore is the persistence needed by the pairing service. One-time
// codes are stored hashed; pairings carry an optional expiry.
type PairingStore interface {
	SavePairingCode(ctx context.Context, channel, userID, codeHash string, expiresAt time.Time) error
	ConsumePairingCode(ctx context.Context, channel, userID, codeHash string) (bool, error)
	PairUser(ctx context.Context, channel, userID string, expiresAt *time.Time) error
	IsPaired(ctx context.Context, channel, userID string) (bool, error)
	Unpair(ctx context.Context, channel, userID string) error
}

// PairingService gates who may drive the gateway at all. An unpaired user
// must submit a one-time code before any message of theirs reaches the
// agent loop.
type PairingService struct {
	required bool
	ttlDays  int
	store    PairingStore
	logger   *slog.Logger
}

type PairingServiceConfig struct {
	Required bool
	TTLDays  int
	Store    PairingStore
	Logger   *slog.Logger
}

func NewPairingService(cfg PairingServiceConfig) *PairingService {
	ttl := cfg.TTLDays
	if ttl <= 0 {
		ttl = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PairingService{
		required: cfg.Required,
		ttlDays:  ttl,
		store:    cfg.Store,
		logger:   logger,
	}
}

// IsRequired returns whether pairing is enforced.
func (ps *PairingService) IsRequired() bool {
	return ps.required
}

// IsPaired checks whether a user holds a valid pairing for the channel.
// With pairing disabled (or no store wired), everyone passes.
func (ps *PairingService) IsPaired(ctx context.Context, channel, userID string) (bool, error) {
	if !ps.required || ps.store == nil {
		return true, nil
	}
	return ps.store.IsPaired(ctx, channel, userID)
}

// GenerateCode mints a 6-digit one-time code for the user and stores its
// hash. The plaintext code is returned once, for out-of-band delivery, and
// expires after 10 minutes.
func (ps *PairingService) GenerateCode(ctx context.Context, channel, userID string) (string, error) {
	code := generateSecureCode(6)
	if ps.store != nil {
		err := ps.store.SavePairingCode(ctx, channel, userID, hashCode(code), time.Now().Add(pairingCodeTTL))
		if err != nil {
			return "", fmt.Errorf("save pairing code: %w", err)
		}
	}
	ps.logger.Info("pairing code generated", "channel", channel, "user_id", userID)
	return code, nil
}

// VerifyCode checks a submitted code and, when it matches, pairs the user.
// Codes are single-use.
func (ps *PairingService) VerifyCode(ctx context.Context, channel, userID, code string) (bool, error) {
	if ps.store == nil {
		return false, nil
	}
	ok, err := ps.store.ConsumePairingCode(ctx, channel, userID, hashCode(code))
	if err != nil || !ok {
		return false, err
	}

	var expiresAt *time.Time
	if ps.ttlDays > 0 {
		t := time.Now().AddDate(0, 0, ps.ttlDays)
		expiresAt = &t
	}
	if err := ps.store.PairUser(ctx, channel, userID, expiresAt); err != nil {
		return false, err
	}

	ps.logger.Info("user paired", "channel", channel, "user_id", userID)
	return true, nil
}

// Unpair removes a user's pairing.
func (ps *PairingService) Unpair(ctx context.Context, channel, userID string) error {
	if ps.store == nil {
		return nil
	}
	return ps.store.Unpair(ctx, channel, userID)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// generateSecureCode generates a cryptographically random numeric code of
// the given length.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
