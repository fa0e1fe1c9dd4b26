package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stakearena/fairness-engine/internal/apperr"
	"github.com/stakearena/fairness-engine/internal/auth"
	"github.com/stakearena/fairness-engine/internal/config"
	"github.com/stakearena/fairness-engine/internal/models"
)

const (
	challengeTTL = 5 * time.Minute

	// challengePrefix namespaces the bytes an authority signs, so a login
	// signature can never double as a settlement signature.
	challengePrefix = "auth-challenge-v1/"
)

// ChallengeStore issues and consumes single-use login nonces.
type ChallengeStore interface {
	Issue(ctx context.Context, nonce string, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (bool, error)
}

// RedisChallenges keeps nonces in Redis with a TTL. GetDel makes
// consumption single-use under concurrent logins.
type RedisChallenges struct {
	rdb *redis.Client
}

func NewRedisChallenges(rdb *redis.Client) *RedisChallenges {
	return &RedisChallenges{rdb: rdb}
}

func (r *RedisChallenges) Issue(ctx context.Context, nonce string, ttl time.Duration) error {
	return r.rdb.Set(ctx, "auth:challenge:"+nonce, "1", ttl).Err()
}

func (r *RedisChallenges) Consume(ctx context.Context, nonce string) (bool, error) {
	res, err := r.rdb.GetDel(ctx, "auth:challenge:"+nonce).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res != "", nil
}

// AuthService authenticates registered authorities. An authority proves
// key possession by signing a server-issued nonce with the same ed25519
// key it signs settlement proposals with, and receives a JWT.
type AuthService struct {
	authorities AuthorityStore
	challenges  ChallengeStore
	cfg         *config.Config
	log         *zap.Logger
}

func NewAuthService(authorities AuthorityStore, challenges ChallengeStore, cfg *config.Config, log *zap.Logger) *AuthService {
	return &AuthService{authorities: authorities, challenges: challenges, cfg: cfg, log: log}
}

// Challenge issues a fresh single-use nonce.
func (s *AuthService) Challenge(ctx context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf)
	if err := s.challenges.Issue(ctx, nonce, challengeTTL); err != nil {
		return "", err
	}
	return nonce, nil
}

// IssueToken exchanges a signed nonce for a JWT carrying the authority's
// id and role.
func (s *AuthService) IssueToken(ctx context.Context, authorityID uuid.UUID, nonce, signatureHex string) (string, *models.Authority, error) {
	ok, err := s.challenges.Consume(ctx, nonce)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, apperr.Unauthorized("unknown or expired challenge")
	}

	authority, err := s.authorities.GetByID(ctx, authorityID)
	if err != nil {
		return "", nil, apperr.Unauthorized("unknown authority %s", authorityID)
	}
	if !authority.IsActive {
		return "", nil, apperr.Unauthorized("authority %s is deactivated", authorityID)
	}

	pub, err := hex.DecodeString(authority.PublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", nil, apperr.New(apperr.KindUnknown, "authority %s has malformed key material", authorityID)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", nil, apperr.Validation("signature must be %d hex-encoded bytes", ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, []byte(challengePrefix+nonce), sig) {
		return "", nil, apperr.Unauthorized("challenge signature does not verify")
	}

	token, err := auth.GenerateJWT(s.cfg.JWTSecret, authority.ID, authority.Role, s.cfg.JWTExpiration)
	if err != nil {
		return "", nil, err
	}

	s.log.Info("authority authenticated",
		zap.String("authority_id", authority.ID.String()),
		zap.String("role", authority.Role),
	)
	return token, authority, nil
}
