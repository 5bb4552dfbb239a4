package effects

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	mrand "math/rand/v2"
	"sync"
)

// CryptoRandom draws from the operating system.
type CryptoRandom struct{}

func (CryptoRandom) RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("effects: system randomness unavailable: " + err.Error())
	}
	return b
}

func (r CryptoRandom) RandomBytes32() [32]byte {
	var out [32]byte
	copy(out[:], r.RandomBytes(32))
	return out
}

func (r CryptoRandom) RandomU64() uint64 {
	return binary.LittleEndian.Uint64(r.RandomBytes(8))
}

func (r CryptoRandom) RandomRange(lo, hi uint64) uint64 {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(hi-lo))
	if err != nil {
		panic("effects: system randomness unavailable: " + err.Error())
	}
	return lo + n.Uint64()
}

// SeededRandom is a ChaCha8 stream. Two instances with the same seed yield
// the same sequence; it is safe for concurrent use but ordering between
// goroutines then decides who gets which bytes.
type SeededRandom struct {
	mu  sync.Mutex
	src *mrand.ChaCha8
	rng *mrand.Rand
}

// NewSeededRandom expands seed into a ChaCha8 key.
func NewSeededRandom(seed uint64) *SeededRandom {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	src := mrand.NewChaCha8(key)
	return &SeededRandom{src: src, rng: mrand.New(src)}
}

func (s *SeededRandom) RandomBytes(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, n)
	_, _ = s.src.Read(b)
	return b
}

func (s *SeededRandom) RandomBytes32() [32]byte {
	var out [32]byte
	copy(out[:], s.RandomBytes(32))
	return out
}

func (s *SeededRandom) RandomU64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

func (s *SeededRandom) RandomRange(lo, hi uint64) uint64 {
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.Uint64N(hi-lo)
}

// Float64 returns a value in [0, 1). The simulator samples drop and
// latency distributions with it.
func (s *SeededRandom) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Reader adapts s to io.Reader for key and share generation.
func (s *SeededRandom) Reader() io.Reader { return seededReader{s} }

type seededReader struct{ s *SeededRandom }

func (r seededReader) Read(p []byte) (int, error) {
	copy(p, r.s.RandomBytes(len(p)))
	return len(p), nil
}
