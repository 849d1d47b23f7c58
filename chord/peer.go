package chord

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/dhashring/dhash/wire"
)

// Descriptor identifies a peer anywhere on the ring: its id (the hash
// of addr:port), the range of keys it stores, its network location,
// and the smoothed latency observed for it locally.
type Descriptor struct {
	ID      Key
	MinKey  Key
	MaxKey  Key
	Addr    string
	Port    int
	Latency time.Duration
}

/* Function:	NewDescriptor
 *
 * Description:
 *		Build a descriptor for a peer at addr:port. The id and max key
 *		are the hash of the endpoint; min key starts equal to the id
 *		and is adjusted once a predecessor is known.
 */
func NewDescriptor(addr string, port int) Descriptor {
	id := HashKey(addr + ":" + strconv.Itoa(port))
	return Descriptor{ID: id, MinKey: id, MaxKey: id, Addr: addr, Port: port}
}

func (d Descriptor) HostPort() string {
	return net.JoinHostPort(d.Addr, strconv.Itoa(d.Port))
}

// Equal compares all identity fields. Latency is a local observation
// and does not participate.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.ID == other.ID &&
		d.MinKey == other.MinKey &&
		d.MaxKey == other.MaxKey &&
		d.Addr == other.Addr &&
		d.Port == other.Port
}

func (d Descriptor) ToWire() *wire.Peer {
	return &wire.Peer{
		ID:     d.ID.Hex(),
		MinKey: d.MinKey.Hex(),
		MaxKey: d.MaxKey.Hex(),
		IPAddr: d.Addr,
		Port:   d.Port,
	}
}

/* Function:	DescriptorFromWire
 *
 * Description:
 *		Parse a wire peer back into a descriptor, validating the three
 *		hex keys.
 */
func DescriptorFromWire(p *wire.Peer) (Descriptor, error) {
	if p == nil || p.ID == "" {
		return Descriptor{}, fmt.Errorf("%w: missing peer descriptor", ErrInvalidRequest)
	}
	id, err := ParseKey(p.ID)
	if err != nil {
		return Descriptor{}, err
	}
	minKey, err := ParseKey(p.MinKey)
	if err != nil {
		return Descriptor{}, err
	}
	maxKey, err := ParseKey(p.MaxKey)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{ID: id, MinKey: minKey, MaxKey: maxKey, Addr: p.IPAddr, Port: p.Port}, nil
}

// PeerList keeps up to max peers ordered clockwise from the owning
// peer's id, with duplicate ids rejected. Not internally locked; the
// peer core serializes access.
type PeerList struct {
	max   int
	peers []Descriptor
}

func NewPeerList(max int) *PeerList {
	return &PeerList{max: max}
}

/* Function:	Insert
 *
 * Description:
 *		Walk the list as a clockwise sequence and place the peer at
 *		the first position it fits between its neighbors. Past the
 *		bound the last entry is dropped; when no position fits, the
 *		peer is appended only while the list is under the bound.
 */
func (l *PeerList) Insert(newPeer Descriptor) bool {
	if len(l.peers) == 0 {
		l.peers = append(l.peers, newPeer)
		return true
	}

	previous := l.peers[len(l.peers)-1].ID
	position := -1
	for i, peer := range l.peers {
		if newPeer.ID == peer.ID {
			return false
		}
		if newPeer.ID.InBetween(previous, peer.ID, true) {
			position = i
			break
		}
		previous = peer.ID
	}

	if position >= 0 {
		l.peers = append(l.peers[:position], append([]Descriptor{newPeer}, l.peers[position:]...)...)
		if len(l.peers) > l.max {
			l.peers = l.peers[:l.max]
		}
		return true
	}

	if len(l.peers) < l.max {
		l.peers = append(l.peers, newPeer)
		return true
	}
	return false
}

func (l *PeerList) Len() int {
	return len(l.peers)
}

func (l *PeerList) Entry(n int) Descriptor {
	return l.peers[n]
}

// Entries returns a copy of the list in clockwise order.
func (l *PeerList) Entries() []Descriptor {
	out := make([]Descriptor, len(l.peers))
	copy(out, l.peers)
	return out
}

// RecordLatency averages a fresh round-trip observation with the
// matching entry's current value, so each new sample carries half the
// weight.
func (l *PeerList) RecordLatency(id Key, rtt time.Duration) {
	for i := range l.peers {
		if l.peers[i].ID == id {
			if l.peers[i].Latency == 0 {
				l.peers[i].Latency = rtt
			} else {
				l.peers[i].Latency = (l.peers[i].Latency + rtt) / 2
			}
			return
		}
	}
}

// Latency reports the observed latency for a peer, zero when unknown.
func (l *PeerList) Latency(id Key) time.Duration {
	for i := range l.peers {
		if l.peers[i].ID == id {
			return l.peers[i].Latency
		}
	}
	return 0
}

// SortByLatency returns the peers ordered by observed latency,
// ascending; ties keep their clockwise order.
func (l *PeerList) SortByLatency() []Descriptor {
	out := l.Entries()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Latency < out[j].Latency
	})
	return out
}
