// Package handle generates per-session display handles: opaque pseudonyms
// bound to one (session, identity) pair and never reused across sessions.
// A handle never contains or derives from the real identity.
package handle

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

var adjectives = []string{
	"Amber", "Brisk", "Calm", "Clever", "Curious", "Dusty", "Eager",
	"Gentle", "Hidden", "Lively", "Lucky", "Mellow", "Nimble", "Quiet",
	"Rapid", "Silent", "Sly", "Solar", "Swift", "Wandering",
}

var nouns = []string{
	"Badger", "Crane", "Falcon", "Fox", "Heron", "Lynx", "Marten",
	"Otter", "Owl", "Panther", "Raven", "Salmon", "Sparrow", "Stag",
	"Swift", "Tiger", "Vole", "Walrus", "Wolf", "Wren",
}

// Generator produces display handles. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator seeded from the given source value.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate returns a fresh handle such as "CuriousFox-8812". The numeric
// suffix makes cross-session collisions negligible for the handle's purpose;
// GeneratePair guarantees distinctness where it actually matters.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generateLocked()
}

func (g *Generator) generateLocked() string {
	adj := adjectives[g.rng.Intn(len(adjectives))]
	noun := nouns[g.rng.Intn(len(nouns))]
	return fmt.Sprintf("%s%s-%04d", adj, noun, g.rng.Intn(10000))
}

// GeneratePair returns two handles for a new session, guaranteed distinct.
func (g *Generator) GeneratePair() (string, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a := g.generateLocked()
	b := g.generateLocked()
	for b == a {
		b = g.generateLocked()
	}
	return a, b
}

// Plausible reports whether s has the shape of a generated handle. Used by
// tests and by input validation that must never confuse a handle with a real
// identity.
func Plausible(s string) bool {
	i := strings.LastIndexByte(s, '-')
	return i > 0 && len(s)-i-1 == 4
}
