package security

import (
	"context"
	"testing"
	"time"
)

// fakePairingStore is an in-memory PairingStore for tests.
type fakePairingStore struct {
	codes    map[string]fakeCode
	pairings map[string]*time.Time
}

type fakeCode struct {
	hash      string
	expiresAt time.Time
}

func newFakePairingStore() *fakePairingStore {
	return &fakePairingStore{
		codes:    make(map[string]fakeCode),
		pairings: make(map[string]*time.Time),
	}
}

func (f *fakePairingStore) SavePairingCode(_ context.Context, channel, userID, codeHash string, expiresAt time.Time) error {
	f.codes[channel+":"+userID] = fakeCode{hash: codeHash, expiresAt: expiresAt}
	return nil
}

func (f *fakePairingStore) ConsumePairingCode(_ context.Context, channel, userID, codeHash string) (bool, error) {
	key := channel + ":" + userID
	c, ok := f.codes[key]
	if !ok || time.Now().After(c.expiresAt) || c.hash != codeHash {
		return false, nil
	}
	delete(f.codes, key)
	return true, nil
}

func (f *fakePairingStore) PairUser(_ context.Context, channel, userID string, expiresAt *time.Time) error {
	f.pairings[channel+":"+userID] = expiresAt
	return nil
}

func (f *fakePairingStore) IsPaired(_ context.Context, channel, userID string) (bool, error) {
	exp, ok := f.pairings[channel+":"+userID]
	if !ok {
		return false, nil
	}
	if exp != nil && time.Now().After(*exp) {
		return false, nil
	}
	return true, nil
}

func (f *fakePairingStore) Unpair(_ context.Context, channel, userID string) error {
	delete(f.pairings, channel+":"+userID)
	return nil
}

var _ PairingStore = (*fakePairingStore)(nil)

func newTestPairing(t *testing.T, required bool) (*PairingService, *fakePairingStore) {
	t.Helper()
	st := newFakePairingStore()
	ps := NewPairingService(PairingServiceConfig{
		Required: required,
		TTLDays:  30,
		Store:    st,
		Logger:   testLogger(),
	})
	return ps, st
}

func TestPairingService_NotRequired(t *testing.T) {
	ps, _ := newTestPairing(t, false)

	paired, err := ps.IsPaired(context.Background(), "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Error("when pairing not required, all users should be considered paired")
	}
}

func TestPairingService_GenerateCode(t *testing.T) {
	ps, st := newTestPairing(t, true)

	code, err := ps.GenerateCode(context.Background(), "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Errorf("expected 6-digit code, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code contains non-digit: %c", c)
		}
	}

	// Stored hashed, never plaintext.
	stored := st.codes["telegram:user1"]
	if stored.hash == code {
		t.Error("code must be stored hashed")
	}
	if stored.hash != hashCode(code) {
		t.Error("stored hash does not match the code")
	}
}

func TestPairingService_VerifyCode_Success(t *testing.T) {
	ps, _ := newTestPairing(t, true)
	ctx := context.Background()

	code, err := ps.GenerateCode(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := ps.VerifyCode(ctx, "telegram", "user1", code)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid code should verify successfully")
	}

	paired, err := ps.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Error("user should be paired after code verification")
	}
}

func TestPairingService_VerifyCode_WrongCode(t *testing.T) {
	ps, _ := newTestPairing(t, true)
	ctx := context.Background()

	if _, err := ps.GenerateCode(ctx, "telegram", "user1"); err != nil {
		t.Fatal(err)
	}
	ok, err := ps.VerifyCode(ctx, "telegram", "user1", "000000")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong code should not verify")
	}
}

func TestPairingService_VerifyCode_SingleUse(t *testing.T) {
	ps, _ := newTestPairing(t, true)
	ctx := context.Background()

	code, _ := ps.GenerateCode(ctx, "telegram", "user1")
	if ok, _ := ps.VerifyCode(ctx, "telegram", "user1", code); !ok {
		t.Fatal("first verification should succeed")
	}
	if ok, _ := ps.VerifyCode(ctx, "telegram", "user1", code); ok {
		t.Error("code must be single-use")
	}
}

func TestPairingService_VerifyCode_NoCodeGenerated(t *testing.T) {
	ps, _ := newTestPairing(t, true)

	ok, err := ps.VerifyCode(context.Background(), "telegram", "user1", "123456")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("should not verify when no code was generated")
	}
}

func TestPairingService_IsPaired_NotPaired(t *testing.T) {
	ps, _ := newTestPairing(t, true)

	paired, err := ps.IsPaired(context.Background(), "telegram", "unknown_user")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Error("unknown user should not be paired")
	}
}

func TestPairingService_Unpair(t *testing.T) {
	ps, _ := newTestPairing(t, true)
	ctx := context.Background()

	code, _ := ps.GenerateCode(ctx, "telegram", "user1")
	if _, err := ps.VerifyCode(ctx, "telegram", "user1", code); err != nil {
		t.Fatal(err)
	}

	if err := ps.Unpair(ctx, "telegram", "user1"); err != nil {
		t.Fatal(err)
	}

	paired, err := ps.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Error("user should not be paired after unpair")
	}
}

func TestPairingService_DefaultTTL(t *testing.T) {
	ps := NewPairingService(PairingServiceConfig{
		Required: true,
		TTLDays:  0, // should use default (30)
		Logger:   testLogger(),
	})

	if ps.ttlDays != 30 {
		t.Errorf("expected default TTL of 30 days, got %d", ps.ttlDays)
	}
}

func TestGenerateSecureCode_Length(t *testing.T) {
	for _, length := range []int{4, 6, 8, 10} {
		code := generateSecureCode(length)
		if len(code) != length {
			t.Errorf("expected code length %d, got %d", length, len(code))
		}
	}
}
