package ua

import "testing"

func TestAccount_StartRegistrationRateLimited(t *testing.T) {
	acc := newAccount(1)

	if !acc.startRegistration() {
		t.Fatalf("expected first REGISTER attempt to be allowed")
	}
	if acc.startRegistration() {
		t.Fatalf("expected immediate second REGISTER attempt to be rate-limited")
	}
}

func TestAccount_SetUserInfo(t *testing.T) {
	acc := newAccount(1)
	acc.setUserInfo("alice", "secret", "example.com", "sip:proxy.example.com")

	acc.mu.RLock()
	defer acc.mu.RUnlock()
	if acc.username != "alice" || acc.domain != "example.com" || acc.proxy != "sip:proxy.example.com" {
		t.Fatalf("setUserInfo did not persist fields: %+v", acc)
	}
}

func TestAccount_MarkRegistered(t *testing.T) {
	acc := newAccount(1)
	if acc.state() != RegNone {
		t.Fatalf("expected a fresh account to start in RegNone, got %v", acc.state())
	}
	acc.markRegistered()
	if acc.state() != RegRegistered {
		t.Fatalf("expected RegRegistered after markRegistered, got %v", acc.state())
	}
}
