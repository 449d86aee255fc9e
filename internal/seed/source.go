package seed

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Width24 is the random seed space, 0x000000 through 0xffffff.
const Width24 = 1 << 24

var ErrNoSeeds = errors.New("seed: source produced no seeds")

// Source produces the seed set for one run.
type Source interface {
	Seeds() ([]Seed, error)
}

// ListSource replays a supplied seed list, which makes re-runs reproducible.
type ListSource struct {
	raw []string
}

func NewListSource(raw []string) ListSource {
	return ListSource{raw: append([]string(nil), raw...)}
}

func (s ListSource) Seeds() ([]Seed, error) {
	seeds, err := ParseList(s.raw)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, ErrNoSeeds
	}
	return seeds, nil
}

// RandomSource draws count independent 24-bit seeds.
type RandomSource struct {
	count int
	mu    sync.Mutex
	rng   *rand.Rand
}

// NewRandomSource builds a random source; a nil rng is seeded from the clock.
func NewRandomSource(count int, rng *rand.Rand) *RandomSource {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomSource{count: count, rng: rng}
}

func (s *RandomSource) Seeds() ([]Seed, error) {
	if s.count <= 0 {
		return nil, fmt.Errorf("%w: count=%d", ErrNoSeeds, s.count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Seed, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, Format24(s.rng.Intn(Width24)))
	}
	return out, nil
}

// Format24 renders v as a 6 character lowercase hex seed.
func Format24(v int) Seed {
	return Seed(fmt.Sprintf("%06x", v&(Width24-1)))
}

// FromConfig prefers an explicit list over a random draw.
func FromConfig(list []string, count int) Source {
	if len(list) > 0 {
		return NewListSource(list)
	}
	return NewRandomSource(count, nil)
}
