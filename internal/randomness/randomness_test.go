package randomness

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDeriveDNADeterministic(t *testing.T) {
	seed := common.HexToHash("0x01")
	alice := common.HexToAddress("0xa11ce")

	first := DeriveDNA(seed, alice, 0, 0)
	require.Equal(t, first, DeriveDNA(seed, alice, 0, 0))
	require.NotEqual(t, first, DeriveDNA(seed, alice, 1, 0))
	require.NotEqual(t, first, DeriveDNA(seed, alice, 0, 1))
	require.NotEqual(t, first, DeriveDNA(seed, common.HexToAddress("0xb0b"), 0, 0))
}

func TestCrossover(t *testing.T) {
	var a, b, sel DNA
	for i := range a {
		a[i] = 0xff
		b[i] = 0x00
		sel[i] = 0xf0
	}
	child := Crossover(a, b, sel)
	for i := range child {
		require.Equal(t, byte(0xf0), child[i])
	}

	require.Equal(t, a, Crossover(a, b, DNA{0: 0xff, 1: 0xff, 2: 0xff, 3: 0xff, 4: 0xff, 5: 0xff, 6: 0xff, 7: 0xff,
		8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff}))
	require.Equal(t, b, Crossover(a, b, DNA{}))
}

func TestChainedSeedStable(t *testing.T) {
	src := NewChained("genesis")
	require.Equal(t, src.Seed(3), src.Seed(3))
	require.NotEqual(t, src.Seed(3), src.Seed(4))
	require.Equal(t, NewChained("genesis").Seed(9), src.Seed(9))
}
