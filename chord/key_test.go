package chord

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInBetweenExclusiveNoWrap(t *testing.T) {
	key1 := KeyFromUint64(75)
	key2 := KeyFromUint64(99)
	lo := KeyFromUint64(0)
	hi := KeyFromUint64(99)

	assert.True(t, key1.InBetween(lo, hi, false), "75 between (0, 99) should be true")
	assert.False(t, key2.InBetween(lo, hi, false), "99 between (0, 99) should be false")
}

func TestInBetweenExclusiveWithWrap(t *testing.T) {
	key1 := KeyFromUint64(1)
	key2 := KeyFromUint64(25)
	lo := KeyFromUint64(75)
	hi := KeyFromUint64(25)

	assert.True(t, key1.InBetween(lo, hi, false), "1 between (75, 25) should be true")
	assert.False(t, key2.InBetween(lo, hi, false), "25 between (75, 25) should be false")
}

func TestInBetweenInclusiveNoWrap(t *testing.T) {
	key1 := KeyFromUint64(75)
	key2 := KeyFromUint64(99)
	lo := KeyFromUint64(0)
	hi := KeyFromUint64(99)

	assert.True(t, key1.InBetween(lo, hi, true))
	assert.True(t, key2.InBetween(lo, hi, true))
}

func TestInBetweenInclusiveWithWrap(t *testing.T) {
	key1 := KeyFromUint64(1)
	key2 := KeyFromUint64(25)
	lo := KeyFromUint64(75)
	hi := KeyFromUint64(25)

	assert.True(t, key1.InBetween(lo, hi, true))
	assert.True(t, key2.InBetween(lo, hi, true))
}

func TestInBetweenDifferingHexWidths(t *testing.T) {
	// Keys of differing hex widths were once an edge case; the ring is
	// a constant 16^32 keys no matter how a key prints.
	key, err := ParseKey("f4ee136cb4059b2883450e7e93698be")
	require.NoError(t, err)
	lo, err := ParseKey("633bd46b5c515992a5ce553d0680bec9")
	require.NoError(t, err)
	hi, err := ParseKey("f4ee136cb4059b2883450e7e93698bd")
	require.NoError(t, err)

	assert.False(t, key.InBetween(lo, hi, true))
}

func TestInBetweenPointInterval(t *testing.T) {
	lo := KeyFromUint64(100)

	assert.True(t, KeyFromUint64(100).InBetween(lo, lo, true))
	assert.True(t, KeyFromUint64(100).InBetween(lo, lo, false))
	assert.False(t, KeyFromUint64(250).InBetween(lo, lo, false))
}

func randomKey(r *rand.Rand) Key {
	var k Key
	r.Read(k[:])
	return k
}

// Exclusive-between must be consistent across the wrap: for distinct
// a, b, c the middle element is strictly between the other two in
// exactly one of the two directions, and rotating all three operands
// never changes the answer.
func TestInBetweenWrapConsistency(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		a, b, c := randomKey(r), randomKey(r), randomKey(r)
		if a == b || b == c || a == c {
			continue
		}

		forward := b.InBetween(a, c, false)
		backward := b.InBetween(c, a, false)
		assert.NotEqual(t, forward, backward,
			"exactly one orientation must hold for %s, %s, %s", a, b, c)

		assert.Equal(t, a.InBetween(b, c, false), b.InBetween(c, a, false))
		assert.Equal(t, b.InBetween(c, a, false), c.InBetween(a, b, false))
	}
}

func TestKeyArithmeticWraps(t *testing.T) {
	zero := KeyFromUint64(0)
	one := KeyFromUint64(1)

	assert.Equal(t, zero, zero.SubInt(1).AddInt(1))
	assert.Equal(t, zero.SubInt(1), zero.Sub(one))
	assert.Equal(t, KeyFromUint64(30), KeyFromUint64(10).Add(KeyFromUint64(20)))

	max := zero.SubInt(1)
	assert.Equal(t, zero, max.AddInt(1), "increment past the top wraps to zero")
}

func TestKeyHexRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(11))

	for i := 0; i < 200; i++ {
		k := randomKey(r)
		parsed, err := ParseKey(k.Hex())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	assert.Equal(t, "0", KeyFromUint64(0).Hex())
	assert.Equal(t, "4b", KeyFromUint64(75).Hex())

	_, err := ParseKey("not hex")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHashKeyIsStable(t *testing.T) {
	// Identity hashing must be deterministic; peers interoperate only
	// if they agree bit for bit.
	assert.Equal(t, HashKey("127.0.0.1:5055"), HashKey("127.0.0.1:5055"))
	assert.NotEqual(t, HashKey("a"), HashKey("b"))
}

func TestKeyOrdering(t *testing.T) {
	assert.True(t, KeyFromUint64(3).Less(KeyFromUint64(4)))
	assert.False(t, KeyFromUint64(4).Less(KeyFromUint64(4)))
	assert.Equal(t, 0, KeyFromUint64(9).Cmp(KeyFromUint64(9)))
	assert.Equal(t, 1, KeyFromUint64(10).Cmp(KeyFromUint64(9)))
}
