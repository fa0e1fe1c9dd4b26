package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJWTRoundTrip(t *testing.T) {
	id := uuid.New()
	token, err := GenerateJWT("test-secret", id, "settlement", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ParseJWT("test-secret", token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.AuthorityID != id {
		t.Errorf("authority id = %s, want %s", claims.AuthorityID, id)
	}
	if claims.Role != "settlement" {
		t.Errorf("role = %s, want settlement", claims.Role)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT("test-secret", uuid.New(), "admin", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseJWT("other-secret", token); err == nil {
		t.Fatal("token parsed with the wrong secret")
	}
}

func TestJWTGarbage(t *testing.T) {
	if _, err := ParseJWT("test-secret", "not.a.token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}
