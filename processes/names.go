package processes

import (
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/tomyedwab/etes/executables"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeName lower-cases name and reports whether the result is usable
// as a single DNS label. Commit hashes are rejected because the router
// treats a hash label as a commit lookup.
func NormalizeName(name string) (string, bool) {
	name = strings.ToLower(name)
	return name, namePattern.MatchString(name) && !executables.ValidHash(name)
}

// NameGenerator produces memorable service names from a word list.
type NameGenerator struct {
	words []string
}

func NewNameGenerator(words []string) *NameGenerator {
	var clean []string
	seen := make(map[string]bool)
	for _, w := range words {
		w, ok := NormalizeName(w)
		if !ok || strings.Contains(w, "-") || seen[w] {
			continue
		}
		seen[w] = true
		clean = append(clean, w)
	}
	return &NameGenerator{words: clean}
}

// Generate joins three distinct random words with "-".
func (g *NameGenerator) Generate() string {
	if len(g.words) < 3 {
		return "service-" + randomSuffix()
	}
	picked := rand.Perm(len(g.words))[:3]
	parts := make([]string, 0, 3)
	for _, i := range picked {
		parts = append(parts, g.words[i])
	}
	return strings.Join(parts, "-")
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

// GenerateUnused returns a generated name for which taken reports false.
// After repeated collisions a random suffix is appended.
func (g *NameGenerator) GenerateUnused(taken func(string) bool) string {
	for i := 0; i < 20; i++ {
		if name := g.Generate(); !taken(name) {
			return name
		}
	}
	return g.Generate() + "-" + randomSuffix()
}
