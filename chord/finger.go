package chord

import (
	"fmt"
	"math/big"

	log "github.com/sirupsen/logrus"
)

// NumFingers is the finger table depth: one entry per bit of the key
// space.
const NumFingers = 128

// Finger maps one power-of-two arc of the ring to the peer responsible
// for the arc's lower bound.
type Finger struct {
	Lower     Key
	Upper     Key
	Successor Descriptor
}

// FingerTable holds up to NumFingers entries covering the ring
// clockwise from the owning peer's id. Not internally locked; the peer
// core serializes access.
type FingerTable struct {
	start   Key
	entries []Finger
}

/* Function:	NewFingerTable
 *
 * Description:
 *		Create an empty finger table anchored at the owning peer's id.
 *		Entries are appended lazily once the peer knows a predecessor.
 */
func NewFingerTable(start Key) *FingerTable {
	return &FingerTable{
		start:   start,
		entries: make([]Finger, 0, NumFingers),
	}
}

/* Function:	NthRange
 *
 * Description:
 *		Compute the arc covered by entry i:
 *		[start + 2^i, start + 2^(i+1) - 1] mod ring size.
 */
func (ft *FingerTable) NthRange(i int) (Key, Key) {
	lowerInc := new(big.Int).Lsh(big.NewInt(1), uint(i))
	upperInc := new(big.Int).Lsh(big.NewInt(1), uint(i+1))

	lower := ft.start.Add(keyFromBig(lowerInc))
	upper := ft.start.Add(keyFromBig(upperInc)).SubInt(1)
	return lower, upper
}

func (ft *FingerTable) Append(f Finger) {
	ft.entries = append(ft.entries, f)
}

func (ft *FingerTable) SetEntry(i int, successor Descriptor) {
	ft.entries[i].Successor = successor
}

func (ft *FingerTable) Entry(i int) Finger {
	return ft.entries[i]
}

func (ft *FingerTable) Len() int {
	return len(ft.entries)
}

func (ft *FingerTable) Empty() bool {
	return len(ft.entries) == 0
}

/* Function:	Lookup
 *
 * Description:
 *		Return the successor of the first entry whose arc contains the
 *		key, bounds inclusive.
 */
func (ft *FingerTable) Lookup(key Key) (Descriptor, error) {
	for _, finger := range ft.entries {
		if key.InBetween(finger.Lower, finger.Upper, true) {
			return finger.Successor, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: no finger covers %s", ErrNotFound, key)
}

/* Function:	AdjustFingers
 *
 * Description:
 *		Point every entry whose lower bound falls inside the peer's
 *		key range at that peer.
 */
func (ft *FingerTable) AdjustFingers(peer Descriptor) {
	for i := range ft.entries {
		if ft.entries[i].Lower.InBetween(peer.MinKey, peer.MaxKey, true) {
			ft.entries[i].Successor = peer
		}
	}
}

// snapshot copies the table entries for lock-free reads during
// repopulation.
func (ft *FingerTable) snapshot() []Finger {
	out := make([]Finger, len(ft.entries))
	copy(out, ft.entries)
	return out
}

func (ft *FingerTable) replace(entries []Finger) {
	ft.entries = entries
}

/* Function:	Dump
 *
 * Description:
 *		Log the table with contiguous same-successor arcs collated
 *		into a single row, since fresh tables repeat one successor for
 *		most entries.
 */
func (ft *FingerTable) Dump() {
	var collated []Finger
	for _, finger := range ft.entries {
		if n := len(collated); n > 0 && collated[n-1].Successor.ID == finger.Successor.ID {
			collated[n-1].Upper = finger.Upper
			continue
		}
		collated = append(collated, finger)
	}

	log.Printf("----- FINGER TABLE -----")
	for _, finger := range collated {
		log.Infof("[%s, %s] -> %s at %s", finger.Lower, finger.Upper,
			finger.Successor.ID, finger.Successor.HostPort())
	}
}
