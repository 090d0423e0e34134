package bloom

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := NewForSize(1000, 0.01)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		require.True(t, f.MightContain(k), "false negative for %s", k)
	}
}

func TestFalsePositiveRateIsBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n = 10000
	present := make([][]byte, n)
	f := NewForSize(n, 0.01)
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("present-%d-%d", i, rng.Int63()))
		present[i] = k
		seen[string(k)] = true
		f.Add(k)
	}

	falsePositives := 0
	trials := 10000
	for i := 0; i < trials; i++ {
		k := []byte(fmt.Sprintf("absent-%d-%d", i, rng.Int63()))
		if seen[string(k)] {
			continue
		}
		if f.MightContain(k) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	require.Less(t, rate, 0.05, "measured false-positive rate too high: %f", rate)
}

func TestSerializeRoundTrip(t *testing.T) {
	f := NewForSize(100, 0.01)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	enc := f.Serialize()
	got, err := Deserialize(enc)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.True(t, got.MightContain([]byte(fmt.Sprintf("k%d", i))))
	}
}

func TestOptimalSizing(t *testing.T) {
	m := OptimalBits(1000, 0.01)
	require.Greater(t, m, uint32(0))
	k := OptimalHashes(m, 1000)
	require.GreaterOrEqual(t, k, uint8(1))
	require.LessOrEqual(t, k, uint8(10))
}

func TestDeserializeCorrupt(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	require.Error(t, err)
}
