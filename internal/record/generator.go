package record

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// MaxOrderingValue bounds generated ordering values to [0, MaxOrderingValue).
const MaxOrderingValue = 1000

var (
	firstNames = []string{"Ada", "Bo", "Carmen", "Dmitri", "Eun-ji", "Farah", "Gustavo", "Hana", "Ivo", "Jalen", "Kofi", "Lena"}
	lastNames  = []string{"Okafor", "Lindqvist", "Moreau", "Tanaka", "Silva", "Novak", "Haddad", "Kowalski", "Reyes", "Byrne"}
	cities     = []struct{ name, postal string }{
		{"Seattle", "98101"}, {"Richmond", "23219"}, {"Dublin", "D02"}, {"Amsterdam", "1012"},
		{"San Jose", "95113"}, {"Boston", "02108"}, {"Osaka", "530-0001"}, {"Lyon", "69001"},
	}
)

// Generator produces synthetic records. All randomness (ids included) is drawn
// from the injected source, so a fixed seed yields a reproducible sequence.
// Safe for concurrent use.
type Generator struct {
	mu           sync.Mutex
	rng          *rand.Rand
	partitionKey string
}

// NewGenerator creates a generator over rng. Records get partitionKey.
func NewGenerator(rng *rand.Rand, partitionKey string) *Generator {
	return &Generator{rng: rng, partitionKey: partitionKey}
}

// NewSeededGenerator creates a generator with its own source seeded by seed.
func NewSeededGenerator(seed int64, partitionKey string) *Generator {
	return NewGenerator(rand.New(rand.NewSource(seed)), partitionKey)
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// Next generates one record with a fresh identity.
func (g *Generator) Next() (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return Record{}, fmt.Errorf("generate record id: %w", err)
	}
	city := cities[g.rng.Intn(len(cities))]
	return Record{
		ID:            id.String(),
		PartitionKey:  g.partitionKey,
		OrderingValue: g.rng.Int63n(MaxOrderingValue),
		Name:          firstNames[g.rng.Intn(len(firstNames))] + " " + lastNames[g.rng.Intn(len(lastNames))],
		City:          city.name,
		PostalCode:    city.postal,
	}, nil
}

// Renew returns a copy of template with a fresh identity and ordering value.
// Payload fields left empty in template are filled in.
func (g *Generator) Renew(template Record) (Record, error) {
	fresh, err := g.Next()
	if err != nil {
		return Record{}, err
	}
	out := template
	out.ID = fresh.ID
	out.OrderingValue = fresh.OrderingValue
	out.VersionToken = ""
	out.Deleted = false
	if out.PartitionKey == "" {
		out.PartitionKey = fresh.PartitionKey
	}
	if out.Name == "" {
		out.Name = fresh.Name
	}
	if out.City == "" {
		out.City, out.PostalCode = fresh.City, fresh.PostalCode
	}
	return out, nil
}

// DistinctOrderingValues returns n pairwise distinct ordering values, one per
// racing region. Values past the first MaxOrderingValue continue upward from
// MaxOrderingValue.
func (g *Generator) DistinctOrderingValues(n int) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	perm := g.rng.Perm(MaxOrderingValue)
	out := make([]int64, max(n, 0))
	for i := range out {
		if i < len(perm) {
			out[i] = int64(perm[i])
		} else {
			out[i] = int64(i)
		}
	}
	return out
}
