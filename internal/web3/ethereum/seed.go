// Package ethereum draws kitty randomness from an external EVM chain: the
// hash of its latest block is mixed into every local block seed.
package ethereum

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/randomness"
)

// HeaderReader is the subset of ethclient used by the seed source.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return client, nil
}

// SeedSource mixes the latest external block hash into local block seeds.
// Until the first successful refresh it defers to the fallback source.
type SeedSource struct {
	reader   HeaderReader
	fallback randomness.SeedSource

	mu       sync.Mutex
	latest   common.Hash
	external uint64
	fixed    map[primitives.BlockNumber]common.Hash
}

// NewSeedSource builds a SeedSource.
func NewSeedSource(reader HeaderReader, fallback randomness.SeedSource) *SeedSource {
	return &SeedSource{
		reader:   reader,
		fallback: fallback,
		fixed:    make(map[primitives.BlockNumber]common.Hash),
	}
}

// Refresh reads the latest external header.
func (s *SeedSource) Refresh(ctx context.Context) error {
	header, err := s.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("获取最新区块失败: %w", err)
	}
	s.mu.Lock()
	s.latest = header.Hash()
	s.external = header.Number.Uint64()
	s.mu.Unlock()
	return nil
}

// External returns the external block the current seeds derive from.
func (s *SeedSource) External() (uint64, common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external, s.latest
}

// Seed implements randomness.SeedSource. The seed of a block is fixed the
// first time it is requested.
func (s *SeedSource) Seed(n primitives.BlockNumber) common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seed, ok := s.fixed[n]; ok {
		return seed
	}
	var seed common.Hash
	if s.latest == (common.Hash{}) {
		seed = s.fallback.Seed(n)
	} else {
		var num [8]byte
		binary.BigEndian.PutUint64(num[:], uint64(n))
		seed = crypto.Keccak256Hash(s.latest.Bytes(), num[:])
	}
	s.fixed[n] = seed
	if n > 256 {
		delete(s.fixed, n-256)
	}
	return seed
}
