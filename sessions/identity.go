package sessions

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

var callerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,127}$`)

// GitHubUser is the profile of an operator who signed in.
type GitHubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Identity is who issued a request: either a signed-in GitHub user or an
// anonymous browser identified by its caller id. On the wire an anonymous
// identity is a bare string and a GitHub identity is an object.
type Identity struct {
	Anonymous string
	GitHub    *GitHubUser
}

func Anonymous(callerID string) Identity {
	return Identity{Anonymous: callerID}
}

func GitHub(user GitHubUser) Identity {
	return Identity{GitHub: &user}
}

// ValidCallerID reports whether id is acceptable as an anonymous identity.
func ValidCallerID(id string) bool {
	return callerIDPattern.MatchString(id)
}

func (i Identity) IsZero() bool {
	return i.Anonymous == "" && i.GitHub == nil
}

func (i Identity) IsGitHub() bool {
	return i.GitHub != nil
}

// Login is the GitHub login, or "" for anonymous identities.
func (i Identity) Login() string {
	if i.GitHub == nil {
		return ""
	}
	return i.GitHub.Login
}

// Key uniquely identifies the principal. Two identities with the same key
// are the same operator.
func (i Identity) Key() string {
	if i.GitHub != nil {
		return "github:" + i.GitHub.Login
	}
	return "anonymous:" + i.Anonymous
}

func (i Identity) Equal(other Identity) bool {
	return !i.IsZero() && i.Key() == other.Key()
}

// Public returns the identity as shown to other operators. Anonymous ids
// are replaced with their SHA-256 digest so they cannot be reused to
// impersonate the owner.
func (i Identity) Public() Identity {
	if i.GitHub != nil {
		return i
	}
	return Identity{Anonymous: HashCallerID(i.Anonymous)}
}

// HashCallerID is the public form of an anonymous caller id.
func HashCallerID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func (i Identity) String() string {
	if i.GitHub != nil {
		return fmt.Sprintf("GitHub(%s)", i.GitHub.Login)
	}
	return fmt.Sprintf("Anonymous(%s)", i.Anonymous)
}

func (i Identity) MarshalJSON() ([]byte, error) {
	if i.GitHub != nil {
		return json.Marshal(i.GitHub)
	}
	return json.Marshal(i.Anonymous)
}

func (i *Identity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*i = Identity{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*i = Identity{Anonymous: id}
		return nil
	}
	var user GitHubUser
	if err := json.Unmarshal(data, &user); err != nil {
		return err
	}
	*i = Identity{GitHub: &user}
	return nil
}
