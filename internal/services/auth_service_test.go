package services

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/auth"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/models"
)

type memChallenges struct {
	mu     sync.Mutex
	nonces map[string]bool
}

func (m *memChallenges) Issue(_ context.Context, nonce string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonces == nil {
		m.nonces = make(map[string]bool)
	}
	m.nonces[nonce] = true
	return nil
}

func (m *memChallenges) Consume(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.nonces[nonce] {
		return false, nil
	}
	delete(m.nonces, nonce)
	return true, nil
}

func newAuthFixture() (*AuthService, *memAuthorityStore, *config.Config) {
	cfg := &config.Config{JWTSecret: "test-secret", JWTExpiration: time.Hour}
	authorities := newMemAuthorityStore()
	svc := NewAuthService(authorities, &memChallenges{}, cfg, zap.NewNop())
	return svc, authorities, cfg
}

func signChallenge(priv ed25519.PrivateKey, nonce string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(challengePrefix+nonce)))
}

func TestIssueToken(t *testing.T) {
	svc, authorities, cfg := newAuthFixture()
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	authority := models.Authority{
		ID:           uuid.New(),
		Name:         "signer-1",
		Role:         models.AuthorityRoleSettlement,
		PublicKeyHex: hex.EncodeToString(pub),
		IsActive:     true,
	}
	authorities.add(authority)

	nonce, err := svc.Challenge(ctx)
	if err != nil {
		t.Fatal(err)
	}

	token, got, err := svc.IssueToken(ctx, authority.ID, nonce, signChallenge(priv, nonce))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if got.ID != authority.ID {
		t.Errorf("authority = %s, want %s", got.ID, authority.ID)
	}
	claims, err := auth.ParseJWT(cfg.JWTSecret, token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.AuthorityID != authority.ID || claims.Role != models.AuthorityRoleSettlement {
		t.Errorf("claims = %+v", claims)
	}

	// The nonce is single-use.
	if _, _, err := svc.IssueToken(ctx, authority.ID, nonce, signChallenge(priv, nonce)); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for replayed nonce, got %v", err)
	}
}

func TestIssueTokenRejectsBadSignature(t *testing.T) {
	svc, authorities, _ := newAuthFixture()
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	authority := models.Authority{
		ID:           uuid.New(),
		Role:         models.AuthorityRoleAdmin,
		PublicKeyHex: hex.EncodeToString(pub),
		IsActive:     true,
	}
	authorities.add(authority)

	nonce, err := svc.Challenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.IssueToken(ctx, authority.ID, nonce, signChallenge(wrongPriv, nonce)); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for wrong key, got %v", err)
	}

	// Deactivated authorities cannot log in.
	authority.IsActive = false
	authorities.add(authority)
	nonce2, err := svc.Challenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.IssueToken(ctx, authority.ID, nonce2, signChallenge(wrongPriv, nonce2)); apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized for inactive authority, got %v", err)
	}
}
