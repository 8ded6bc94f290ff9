package plan

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"math/bits"
	"strconv"
)

// DigestWords is the number of 64-bit words in a Digest.
const DigestWords = 4

// DigestBits is the fingerprint width.
const DigestBits = DigestWords * 64

// maxStepFeature caps the step-count feature so very long plans do not all
// hash to distinct buckets.
const maxStepFeature = 8

// Digest is a fixed-width structural fingerprint of a plan.
type Digest [DigestWords]uint64

// String returns the digest as 64 lowercase hex characters.
func (d Digest) String() string {
	var buf [DigestWords * 8]byte
	for i, w := range d {
		for j := 0; j < 8; j++ {
			buf[i*8+j] = byte(w >> (56 - 8*j))
		}
	}
	return hex.EncodeToString(buf[:])
}

// IsZero reports whether no bit is set.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses the output of Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != DigestWords*8 {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", DigestWords*8, len(raw))
	}
	for i := range d {
		var w uint64
		for j := 0; j < 8; j++ {
			w = w<<8 | uint64(raw[i*8+j])
		}
		d[i] = w
	}
	return d, nil
}

// feature is one weighted structural property of a plan.
type feature struct {
	key    string
	weight int
}

// features extracts the normalized feature set: step count, per-step agent
// identity and position, agent hand-offs, and goal keywords.
func features(p Plan) []feature {
	n := len(p.Steps)
	if n > maxStepFeature {
		n = maxStepFeature
	}
	fs := []feature{{key: "steps:" + strconv.Itoa(n), weight: 1}}

	for i, s := range p.Steps {
		fs = append(fs,
			feature{key: "agent:" + s.Agent, weight: 2},
			feature{key: "pos:" + strconv.Itoa(i) + ":" + s.Agent, weight: 1},
		)
		if i > 0 {
			fs = append(fs, feature{key: "flow:" + p.Steps[i-1].Agent + ">" + s.Agent, weight: 1})
		}
		for _, kw := range Keywords(s.Goal) {
			fs = append(fs, feature{key: "kw:" + kw, weight: 1})
		}
	}
	return fs
}

// featureHash spreads the FNV-1a hash of key over DigestWords words. Each
// word is a splitmix64 finalization of the hash plus a distinct offset,
// so the words are independent even though FNV diffuses poorly.
func featureHash(key string) Digest {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	seed := h.Sum64()

	var d Digest
	for i := range d {
		d[i] = mix64(seed + uint64(i+1)*0x9e3779b97f4a7c15)
	}
	return d
}

func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Fingerprint computes a SimHash over the plan's features. Identical plans
// always produce identical digests, and plans that share most features
// differ in few bits. An empty plan yields the zero digest.
func Fingerprint(p Plan) Digest {
	if len(p.Steps) == 0 {
		return Digest{}
	}
	fs := features(p)

	var acc [DigestBits]int
	for _, f := range fs {
		h := featureHash(f.key)
		for b := 0; b < DigestBits; b++ {
			if h[b/64]>>(uint(b)%64)&1 == 1 {
				acc[b] += f.weight
			} else {
				acc[b] -= f.weight
			}
		}
	}

	var d Digest
	for b, v := range acc {
		if v > 0 {
			d[b/64] |= 1 << (uint(b) % 64)
		}
	}
	return d
}

// RawAgreement is the fraction of bit positions on which a and b agree.
func RawAgreement(a, b Digest) float64 {
	diff := 0
	for i := range a {
		diff += bits.OnesCount64(a[i] ^ b[i])
	}
	return 1 - float64(diff)/float64(DigestBits)
}

// Curve remaps raw bit agreement into a similarity score. Agreement at or
// below Pivot scores zero; above it the score rises as 1-(1-x)^Steepness
// where x is the agreement rescaled to [0,1] over (Pivot, 1].
type Curve struct {
	Pivot     float64 `mapstructure:"pivot" yaml:"pivot"`
	Steepness float64 `mapstructure:"steepness" yaml:"steepness"`
}

// DefaultCurve returns the curve used when none is configured.
func DefaultCurve() Curve {
	return Curve{Pivot: 0.5, Steepness: 1.8}
}

// Validate checks that the curve parameters describe a usable mapping.
func (c Curve) Validate() error {
	if c.Pivot < 0 || c.Pivot >= 1 {
		return fmt.Errorf("curve pivot must be in [0, 1), got %v", c.Pivot)
	}
	if c.Steepness < 1 {
		return fmt.Errorf("curve steepness must be >= 1, got %v", c.Steepness)
	}
	return nil
}

// Apply maps a raw agreement value through the curve.
func (c Curve) Apply(raw float64) float64 {
	switch {
	case raw >= 1:
		return 1
	case raw <= c.Pivot:
		return 0
	}
	x := (raw - c.Pivot) / (1 - c.Pivot)
	return 1 - math.Pow(1-x, c.Steepness)
}

// Similarity compares two digests with the curve.
func (c Curve) Similarity(a, b Digest) float64 {
	return c.Apply(RawAgreement(a, b))
}

// Similarity compares two digests with DefaultCurve.
func Similarity(a, b Digest) float64 {
	return DefaultCurve().Similarity(a, b)
}
