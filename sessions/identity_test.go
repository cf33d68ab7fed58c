package sessions

import (
	"encoding/json"
	"testing"
)

func TestIdentityJSON(t *testing.T) {
	anon, err := json.Marshal(Anonymous("browser-1"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(anon) != `"browser-1"` {
		t.Errorf("Expected bare string for anonymous identity, got %s", anon)
	}

	gh, err := json.Marshal(GitHub(GitHubUser{Login: "octo", Name: "Octo Cat", AvatarURL: "https://a/1"}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(gh) != `{"login":"octo","name":"Octo Cat","avatar_url":"https://a/1"}` {
		t.Errorf("Unexpected GitHub identity encoding %s", gh)
	}

	var decoded Identity
	if err := json.Unmarshal(gh, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Login() != "octo" {
		t.Errorf("Expected login octo, got %q", decoded.Login())
	}
	if err := json.Unmarshal(anon, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.IsGitHub() || decoded.Anonymous != "browser-1" {
		t.Errorf("Expected anonymous browser-1, got %s", decoded)
	}
}

func TestIdentityEquality(t *testing.T) {
	a := Anonymous("abc")
	if !a.Equal(Anonymous("abc")) {
		t.Error("Expected equal anonymous identities")
	}
	if a.Equal(GitHub(GitHubUser{Login: "abc"})) {
		t.Error("Anonymous and GitHub identities must differ")
	}
	if (Identity{}).Equal(Identity{}) {
		t.Error("Zero identities must not match anything")
	}
	if !GitHub(GitHubUser{Login: "octo", Name: "A"}).Equal(GitHub(GitHubUser{Login: "octo", Name: "B"})) {
		t.Error("GitHub identities are keyed by login")
	}
}

func TestPublicHashesAnonymousIDs(t *testing.T) {
	pub := Anonymous("secret-id").Public()
	if pub.Anonymous == "secret-id" || pub.Anonymous != HashCallerID("secret-id") {
		t.Errorf("Expected hashed id, got %q", pub.Anonymous)
	}
	user := GitHub(GitHubUser{Login: "octo"})
	if user.Public().Login() != "octo" {
		t.Error("GitHub identities are public as-is")
	}
}

func TestValidCallerID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"abc-123", true},
		{"3f1e0c9a-8b7d-4c2e-9f10-1234567890ab", true},
		{"", false},
		{"has space", false},
		{"../etc", false},
		{string(make([]byte, 128)), false},
	}
	for _, tt := range tests {
		if got := ValidCallerID(tt.id); got != tt.ok {
			t.Errorf("ValidCallerID(%q) = %v, want %v", tt.id, got, tt.ok)
		}
	}
}
