package capability

import (
	"testing"
	"time"
)

func signedToken() *Token {
	granted := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	expires := granted.Add(time.Hour)
	t := &Token{
		ID:      "tok-1",
		AgentID: "A",
		Permissions: []Permission{
			{Category: CategoryFilesystem, Actions: []string{"write", "read"}, Resource: "/workspace"},
			{Category: CategoryNetwork, Actions: []string{"connect"}, Resource: "api.example.com"},
		},
		GrantedBy: SystemIdentity,
		GrantedAt: granted,
		ExpiresAt: &expires,
	}
	t.Signature = Sign(t, testSecret[0])
	return t
}

func TestVerify(t *testing.T) {
	tok := signedToken()
	if !Verify(tok, testSecret) {
		t.Fatal("Verify() = false for freshly signed token")
	}
}

func TestVerify_ActionOrderIrrelevant(t *testing.T) {
	tok := signedToken()
	// Reordering actions must not invalidate: the canonical form
	// sorts them.
	tok.Permissions[0].Actions = []string{"read", "write"}
	if !Verify(tok, testSecret) {
		t.Error("Verify() = false after action reorder, want true")
	}
}

func TestVerify_TamperDetected(t *testing.T) {
	mutations := map[string]func(*Token){
		"agent":    func(tok *Token) { tok.AgentID = "B" },
		"resource": func(tok *Token) { tok.Permissions[0].Resource = "/" },
		"action":   func(tok *Token) { tok.Permissions[0].Actions = append(tok.Permissions[0].Actions, "delete") },
		"expiry":   func(tok *Token) { tok.ExpiresAt = nil },
		"delegate": func(tok *Token) { tok.Delegatable = true },
		"id":       func(tok *Token) { tok.ID = "tok-2" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tok := signedToken()
			mutate(tok)
			if Verify(tok, testSecret) {
				t.Error("Verify() = true after tamper, want false")
			}
		})
	}
}

func TestVerify_SecretRotation(t *testing.T) {
	oldSecret := []byte("old-secret-old-secret-old-secret")
	newSecret := []byte("new-secret-new-secret-new-secret")

	tok := signedToken()
	tok.Signature = Sign(tok, oldSecret)

	if !Verify(tok, [][]byte{newSecret, oldSecret}) {
		t.Error("Verify() = false with rotated secret set, want true")
	}
	if Verify(tok, [][]byte{newSecret}) {
		t.Error("Verify() = true without the signing secret, want false")
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	tok := signedToken()
	tok.Signature = "not hex"
	if Verify(tok, testSecret) {
		t.Error("Verify() = true for malformed signature, want false")
	}
}

func TestExpandFilesystemResource(t *testing.T) {
	got := ExpandFilesystemResource("/workspace")
	if len(got) != 2 || got[0] != "/workspace" || got[1] != "/workspace/**" {
		t.Errorf("ExpandFilesystemResource(/workspace) = %v, want [/workspace /workspace/**]", got)
	}
	got = ExpandFilesystemResource("/data/*.csv")
	if len(got) != 1 || got[0] != "/data/*.csv" {
		t.Errorf("glob resource expanded = %v, want verbatim", got)
	}
}
