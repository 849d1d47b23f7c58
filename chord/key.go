package chord

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// KeyBytes is the width of a ring identifier in bytes. The ring holds
// 16^32 keys, i.e. the full 128-bit space, regardless of how many hex
// digits any individual key happens to print with.
const KeyBytes = 16

// Key is an identifier on the ring Z/(16^32), stored big-endian.
type Key [KeyBytes]byte

var ringSize = new(big.Int).Lsh(big.NewInt(1), 8*KeyBytes)

/* Function:	HashKey
 *
 * Description:
 *		Hash arbitrary plaintext onto the ring. The digest is the
 *		RFC 4122 version-5 (SHA-1 name-based) UUID of the plaintext
 *		under the DNS namespace, taken as a 128-bit integer.
 */
func HashKey(plaintext string) Key {
	return Key(uuid.NewSHA1(uuid.NameSpaceDNS, []byte(plaintext)))
}

/* Function:	ParseKey
 *
 * Description:
 *		Parse a hexadecimal numeric string as a key. The string is
 *		treated as a literal ring position, not hashed.
 */
func ParseKey(hexStr string) (Key, error) {
	v, ok := new(big.Int).SetString(hexStr, 16)
	if !ok || v.Sign() < 0 {
		return Key{}, fmt.Errorf("%w: malformed key %q", ErrInvalidRequest, hexStr)
	}
	return keyFromBig(v), nil
}

// KeyFromUint64 places a small integer on the ring. Used mainly by tests.
func KeyFromUint64(n uint64) Key {
	return keyFromBig(new(big.Int).SetUint64(n))
}

func keyFromBig(v *big.Int) Key {
	var k Key
	new(big.Int).Mod(v, ringSize).FillBytes(k[:])
	return k
}

func (k Key) big() *big.Int {
	return new(big.Int).SetBytes(k[:])
}

// Hex renders the key the way the wire protocol carries it: lowercase
// hexadecimal with no leading zeros ("0" for the zero key).
func (k Key) Hex() string {
	return k.big().Text(16)
}

func (k Key) String() string {
	return k.Hex()
}

func (k Key) Equal(other Key) bool {
	return k == other
}

// Cmp orders keys as unsigned integers: -1, 0, or +1.
func (k Key) Cmp(other Key) int {
	return bytes.Compare(k[:], other[:])
}

func (k Key) Less(other Key) bool {
	return k.Cmp(other) < 0
}

// Add returns k + other modulo the ring size.
func (k Key) Add(other Key) Key {
	return keyFromBig(new(big.Int).Add(k.big(), other.big()))
}

// Sub returns k - other modulo the ring size.
func (k Key) Sub(other Key) Key {
	return keyFromBig(new(big.Int).Sub(k.big(), other.big()))
}

// AddInt returns k + n modulo the ring size.
func (k Key) AddInt(n uint64) Key {
	return keyFromBig(new(big.Int).Add(k.big(), new(big.Int).SetUint64(n)))
}

// SubInt returns k - n modulo the ring size.
func (k Key) SubInt(n uint64) Key {
	return keyFromBig(new(big.Int).Sub(k.big(), new(big.Int).SetUint64(n)))
}

/* Function:	InBetween
 *
 * Description:
 *		Clockwise interval test on the ring. When the bounds coincide
 *		the interval is the single point. When lower < upper the test
 *		is the plain numeric interval. When the arc wraps past zero
 *		(lower > upper), membership is the complement of the reversed
 *		interval.
 */
func (k Key) InBetween(lower, upper Key, inclusive bool) bool {
	switch lower.Cmp(upper) {
	case 0:
		return k == lower
	case -1:
		if inclusive {
			return lower.Cmp(k) <= 0 && k.Cmp(upper) <= 0
		}
		return lower.Cmp(k) < 0 && k.Cmp(upper) < 0
	default:
		// The arc wraps past zero: in [b, a] means not in (a, b).
		if inclusive {
			return !(upper.Cmp(k) < 0 && k.Cmp(lower) < 0)
		}
		return !(upper.Cmp(k) <= 0 && k.Cmp(lower) <= 0)
	}
}
