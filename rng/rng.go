// Package rng provides the deterministic random source used for every
// sampling decision in realm_prep.
//
// The generator is MT19937 seeded from a 32-bit value, and the integer and
// float draws follow the legacy NumPy `RandomState` algorithms (masked
// rejection sampling on 32-bit outputs, 53-bit floats from two draws), so a
// sequence of calls is fully determined by the seed.
//
// Bound inclusivity differs between random libraries, so each integer method
// states its range explicitly:
//
//	Intn(n)          -> [0, n)    exclusive upper bound
//	IntRange(lo, hi) -> [lo, hi]  inclusive upper bound
package rng

import (
	"math/bits"

	"gonum.org/v1/gonum/mathext/prng"
)

const seedModulus = uint64(1) << 32

type RNG struct {
	src *prng.MT19937
}

// New returns a generator seeded with seed mod 2^32.
func New(seed uint64) *RNG {
	src := prng.NewMT19937()
	src.Seed(seed % seedModulus)
	return &RNG{src: src}
}

// ForSample derives the generator for sample idx of a dataset seeded with
// seed. The result only depends on (seed, idx), never on which worker or in
// which order samples are computed.
func ForSample(seed int64, idx int) *RNG {
	return New(uint64(seed+int64(idx)) % seedModulus)
}

func (r *RNG) Uint32() uint32 {
	return r.src.Uint32()
}

// Float64 returns a float in [0, 1) with 53 bits of randomness.
func (r *RNG) Float64() float64 {
	a := r.src.Uint32() >> 5
	b := r.src.Uint32() >> 6
	return (float64(a)*67108864.0 + float64(b)) / 9007199254740992.0
}

// interval returns a value in [0, max], inclusive, by masked rejection.
func (r *RNG) interval(max uint64) uint64 {
	if max == 0 {
		return 0
	}
	mask := uint64(1)<<uint(bits.Len64(max)) - 1
	if max <= 0xffffffff {
		for {
			v := uint64(r.src.Uint32()) & mask
			if v <= max {
				return v
			}
		}
	}
	for {
		v := r.src.Uint64() & mask
		if v <= max {
			return v
		}
	}
}

// Intn returns a value in [0, n). It panics if n <= 0.
func (r *RNG) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn called with n <= 0")
	}
	return int(r.interval(uint64(n - 1)))
}

// IntRange returns a value in [lo, hi], both ends included. It panics if
// hi < lo.
func (r *RNG) IntRange(lo, hi int) int {
	if hi < lo {
		panic("rng: IntRange called with hi < lo")
	}
	return lo + int(r.interval(uint64(hi-lo)))
}

// Shuffle performs a Fisher-Yates shuffle walking from the last element
// down, drawing each swap partner from [0, i].
func (r *RNG) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := int(r.interval(uint64(i)))
		swap(i, j)
	}
}

// Perm returns a shuffled permutation of [0, n).
func (r *RNG) Perm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	r.Shuffle(n, func(i, j int) { p[i], p[j] = p[j], p[i] })
	return p
}
