package rules

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// prng is a deterministic HMAC-SHA256 counter-mode generator. Dealing must
// be reproducible from the recorded seed alone, so no entropy source other
// than the seed is ever consulted.
type prng struct {
	key     []byte
	counter uint64
}

// newPRNG expands the 64-bit match seed into an HMAC key.
func newPRNG(seed uint64) *prng {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seed)
	key := sha256.Sum256(raw[:])
	return &prng{key: key[:]}
}

func (p *prng) uint64() uint64 {
	p.counter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], p.counter)
	mac := hmac.New(sha256.New, p.key)
	mac.Write(ctr[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// intn returns a value in [0, n). n must be positive.
func (p *prng) intn(n int) int {
	return int(p.uint64() % uint64(n))
}

// shuffle runs a Fisher-Yates pass over n elements.
func (p *prng) shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := p.intn(i + 1)
		swap(i, j)
	}
}
