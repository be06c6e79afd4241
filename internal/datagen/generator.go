package datagen

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"time"
)

const (
	lowercase = "abcdefghijklmnopqrstuvwxyz"
	letters   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits    = "0123456789"
)

// Label sets used across scenarios. Values match what the target API
// accepts for the corresponding enum fields.
var (
	MerchantTypes        = []string{"repair_shop", "bank", "e-commerce"}
	MerchantNamePrefixes = []string{"PT. ", "CV ", "Startup "}
	TransactionStatuses  = []string{"completed", "pending", "failed"}
)

// Generator produces schema-valid random field values. One instance
// belongs to exactly one virtual user; the embedded source is not safe for
// concurrent use and must never be shared across sessions.
type Generator struct {
	rnd *rand.Rand
}

// New returns a generator seeded independently of every other instance.
func New() *Generator {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// Entropy read failing is effectively impossible; fall back to
		// the clock rather than aborting a load run.
		return NewSeeded(time.Now().UnixNano())
	}
	return NewSeeded(int64(binary.LittleEndian.Uint64(b[:])))
}

// NewSeeded returns a deterministic generator for tests.
func NewSeeded(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *Generator) stringFrom(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[g.rnd.Intn(len(alphabet))]
	}
	return string(b)
}

// Email returns a random address under example.com with an 8-character
// lowercase local part.
func (g *Generator) Email() string {
	return g.stringFrom(lowercase, 8) + "@example.com"
}

// Name returns a random 8-letter name.
func (g *Generator) Name() string {
	return g.stringFrom(letters, 8)
}

// Phone returns a random 10-digit phone string.
func (g *Generator) Phone() string {
	return g.stringFrom(digits, 10)
}

// AmountBetween returns a uniformly distributed monetary amount in [lo, hi).
func (g *Generator) AmountBetween(lo, hi float64) float64 {
	return lo + g.rnd.Float64()*(hi-lo)
}

// IntBetween returns a uniformly distributed integer in [lo, hi] inclusive.
func (g *Generator) IntBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + g.rnd.Intn(hi-lo+1)
}

// Float64 returns a uniform value in [0, 1). Used for probability draws.
func (g *Generator) Float64() float64 {
	return g.rnd.Float64()
}

// Pick returns one label chosen uniformly from the set.
func (g *Generator) Pick(labels []string) string {
	return labels[g.rnd.Intn(len(labels))]
}

// TimeBetween returns a second-precision UTC instant uniformly distributed
// in [from, to].
func (g *Generator) TimeBetween(from, to time.Time) time.Time {
	span := int64(to.Sub(from).Seconds())
	if span <= 0 {
		return from.UTC().Truncate(time.Second)
	}
	return from.UTC().Add(time.Duration(g.rnd.Int63n(span+1)) * time.Second).Truncate(time.Second)
}

// Timestamp formats t the way the API expects effective/transaction dates.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
