package auth

import (
	"testing"
	"time"

	"lokalkasir/terminal/internal/domain"
)

func TestIssueAndParseToken(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour, "482913")

	token, err := m.IssueToken(domain.Actor{ID: "op1", DisplayName: "Sari", Role: "cashier"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	actor, err := m.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.ID != "op1" || actor.DisplayName != "Sari" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseRejectsForeignToken(t *testing.T) {
	issuer := NewManager("0123456789abcdef0123456789abcdef", time.Hour, "482913")
	verifier := NewManager("another-secret-another-secret-32", time.Hour, "482913")

	token, err := issuer.IssueToken(domain.Actor{ID: "op1", Role: "cashier"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("token signed with a different secret accepted")
	}
	if _, err := verifier.ParseToken("not.a.token"); err == nil {
		t.Fatalf("garbage token accepted")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", -time.Minute, "482913")
	// A non-positive TTL falls back to the default, so build a short-lived
	// manager explicitly.
	short := NewManager("0123456789abcdef0123456789abcdef", time.Nanosecond, "482913")

	token, err := short.IssueToken(domain.Actor{ID: "op1", Role: "cashier"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := m.ParseToken(token); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestSignInTracksCurrentUser(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour, "482913")

	var changes []domain.Actor
	cancel := m.OnAuthChange(func(a domain.Actor) { changes = append(changes, a) })
	defer cancel()

	token, err := m.IssueToken(domain.Actor{ID: "op1", DisplayName: "Sari", Role: "supervisor"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.SignIn(token); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if got := m.CurrentUser(); got.ID != "op1" {
		t.Fatalf("current user not tracked: %+v", got)
	}

	m.SignOut()
	if got := m.CurrentUser(); got.ID != "" {
		t.Fatalf("sign out did not clear current user: %+v", got)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 auth change notifications, got %d", len(changes))
	}
}

func TestAuthorizeDifference(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour, "482913")

	if !m.AuthorizeDifference("482913") {
		t.Fatalf("correct pin rejected")
	}
	if m.AuthorizeDifference("000000") {
		t.Fatalf("wrong pin accepted")
	}
	if m.AuthorizeDifference("") {
		t.Fatalf("empty pin accepted")
	}
}

func TestCapabilitiesFor(t *testing.T) {
	cases := []struct {
		role string
		want Capabilities
	}{
		{"admin", Capabilities{CanApplyDiscount: true, CanApplyItemDiscount: true}},
		{"supervisor", Capabilities{CanApplyDiscount: true, CanApplyItemDiscount: true}},
		{"Supervisor", Capabilities{CanApplyDiscount: true, CanApplyItemDiscount: true}},
		{"cashier", Capabilities{CanApplyItemDiscount: true}},
		{"", Capabilities{}},
		{"guest", Capabilities{}},
	}
	for _, tc := range cases {
		if got := CapabilitiesFor(tc.role); got != tc.want {
			t.Fatalf("CapabilitiesFor(%q) = %+v, want %+v", tc.role, got, tc.want)
		}
	}
}
