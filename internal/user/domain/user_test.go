package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUser_Validate(t *testing.T) {
	tok := "token"
	exp := time.Now()
	testCases := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{"ok", User{Email: "a@x.com", Role: RoleOwner}, false},
		{"default role", User{Email: "a@x.com"}, false},
		{"missing email", User{Role: RoleOwner}, true},
		{"unknown role", User{Email: "a@x.com", Role: "player"}, true},
		{"token without expiry", User{Email: "a@x.com", PasswordResetToken: &tok}, true},
		{"token with expiry", User{Email: "a@x.com", PasswordResetToken: &tok, PasswordResetExpiresOn: &exp}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.user
			err := u.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && u.Role == "" {
				t.Error("Validate should default the role")
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Test@Example.COM "); got != "test@example.com" {
		t.Errorf("NormalizeEmail = %q", got)
	}
}

func TestToPublic_OmitsCredentials(t *testing.T) {
	hash := "$2a$04$abc"
	tok := "reset"
	u := User{ID: "u1", Email: "a@x.com", PasswordHash: &hash, PasswordResetToken: &tok, Role: RoleAdmin}
	b, err := json.Marshal(u.ToPublic())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	for _, k := range []string{"password", "passwordHash", "PasswordHash", "passwordResetToken"} {
		if _, ok := m[k]; ok {
			t.Errorf("public user contains %q", k)
		}
	}
	if !u.HasPassword() || !u.IsAdmin() {
		t.Error("HasPassword and IsAdmin should be true")
	}
}
