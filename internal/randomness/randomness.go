// Package randomness provides the seed sources used to derive kitty DNA.
package randomness

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"

	"KittyMarket-Chain/internal/primitives"
)

// DNASize is the length of a kitty genome in bytes.
const DNASize = 16

// DNA is an opaque kitty genome.
type DNA [DNASize]byte

// String returns the 0x-prefixed hex encoding.
func (d DNA) String() string { return hexutil.Encode(d[:]) }

// MarshalText implements encoding.TextMarshaler.
func (d DNA) MarshalText() ([]byte, error) {
	return hexutil.Bytes(d[:]).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DNA) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("DNA", input, d[:])
}

// SeedSource supplies the random seed for a block. Implementations must be
// deterministic for a given block once it has been produced.
type SeedSource interface {
	Seed(n primitives.BlockNumber) common.Hash
}

// Fixed always returns the same seed. Tests use it to make DNA reproducible.
type Fixed common.Hash

// Seed implements SeedSource.
func (f Fixed) Seed(primitives.BlockNumber) common.Hash { return common.Hash(f) }

// Chained derives every block seed from a genesis seed by hashing it with
// the block number, in the spirit of a collective coin flip.
type Chained struct {
	mu      sync.Mutex
	genesis common.Hash
	cache   map[primitives.BlockNumber]common.Hash
}

// NewChained builds a Chained source from a genesis seed phrase.
func NewChained(genesis string) *Chained {
	return &Chained{
		genesis: crypto.Keccak256Hash([]byte(genesis)),
		cache:   make(map[primitives.BlockNumber]common.Hash),
	}
}

// Seed implements SeedSource.
func (c *Chained) Seed(n primitives.BlockNumber) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seed, ok := c.cache[n]; ok {
		return seed
	}
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(n))
	seed := crypto.Keccak256Hash(c.genesis.Bytes(), num[:])
	c.cache[n] = seed
	// only the recent past is ever asked for again
	if n > 256 {
		delete(c.cache, n-256)
	}
	return seed
}

// DeriveDNA hashes the seed together with the caller, its nonce and the
// index of the draw inside the block into a 128-bit genome.
func DeriveDNA(seed common.Hash, who primitives.AccountID, nonce uint64, index uint32) DNA {
	h, err := blake2b.New(DNASize, nil)
	if err != nil {
		// only returned for invalid sizes or oversized keys
		panic(err)
	}
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], nonce)
	binary.LittleEndian.PutUint32(buf[8:], index)
	h.Write(seed.Bytes())
	h.Write(who.Bytes())
	h.Write(buf[:])

	var dna DNA
	copy(dna[:], h.Sum(nil))
	return dna
}

// Crossover mixes two genomes bit by bit. Bits set in the selector are taken
// from a, cleared bits from b.
func Crossover(a, b, selector DNA) DNA {
	var child DNA
	for i := range child {
		child[i] = (a[i] & selector[i]) | (b[i] &^ selector[i])
	}
	return child
}
