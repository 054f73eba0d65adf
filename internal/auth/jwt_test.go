package auth

import (
	"testing"
	"time"
)

func TestValidateRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret")

	token, err := m.Sign("u1", []string{"CR123", "VRTC456"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UserID != "u1" {
		t.Errorf("userID = %q", claims.UserID)
	}
	if !claims.CanAccess("CR123") || !claims.CanAccess("VRTC456") {
		t.Error("granted accounts not accessible")
	}
	if claims.CanAccess("CR999") {
		t.Error("ungranted account accessible")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a").Sign("u1", []string{"CR123"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if _, err := NewJWTManager("secret-b").Validate(token); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	m := NewJWTManager("test-secret")
	token, err := m.Sign("u1", []string{"CR123"}, -time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if _, err := m.Validate(token); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestWildcardGrantsAllAccounts(t *testing.T) {
	m := NewJWTManager("test-secret")
	token, _ := m.Sign("admin", []string{"*"}, time.Minute)
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !claims.CanAccess("CR123") {
		t.Error("wildcard claim must grant any account")
	}
}
