package chord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashring/dhash/wire"
)

func testConfig(port int) *Config {
	cfg := DefaultConfig("127.0.0.1", port)
	cfg.Timeout = 2 * time.Second
	cfg.GracePeriod = 300 * time.Millisecond
	cfg.MaintenanceInterval = 150 * time.Millisecond
	return cfg
}

// startRing brings up n peers on consecutive ports: the first creates
// the ring, the rest join through it.
func startRing(t *testing.T, basePort, n int) []*Peer {
	t.Helper()

	peers := make([]*Peer, n)
	peers[0] = NewPeer(testConfig(basePort))
	require.NoError(t, peers[0].StartChord())
	t.Cleanup(peers[0].Kill)

	for i := 1; i < n; i++ {
		peers[i] = NewPeer(testConfig(basePort + i))
		require.NoError(t, peers[i].Join("127.0.0.1", basePort), "peer %d failed to join", i)
		t.Cleanup(peers[i].Kill)
	}
	return peers
}

func TestLifecycle(t *testing.T) {
	p := NewPeer(testConfig(18030))
	assert.Equal(t, StateUnjoined, p.State())

	_, err := p.Read(HashKey("1"))
	assert.ErrorIs(t, err, ErrInvalidRequest, "an unjoined peer serves nothing")

	require.NoError(t, p.StartChord())
	assert.Equal(t, StateActiveWithoutPredecessor, p.State())

	assert.Error(t, p.StartChord(), "starting twice is not a legal transition")

	p.Kill()
	assert.Equal(t, StateDead, p.State())
	assert.ErrorIs(t, p.Create(HashKey("1"), "val"), ErrInvalidRequest)
	assert.Error(t, p.Leave())
}

func TestSingleNodeOwnsWholeRing(t *testing.T) {
	p := NewPeer(testConfig(18031))
	require.NoError(t, p.StartChord())
	t.Cleanup(p.Kill)

	assert.Equal(t, p.ID().AddInt(1), p.minKey())

	// Every key resolves to the sole peer.
	for _, name := range []string{"1", "2", "zzz"} {
		succ, err := p.getSuccessor(HashKey(name), nil)
		require.NoError(t, err)
		assert.Equal(t, p.ID(), succ.ID)
	}
}

// One peer, one create, one read: the sole peer keeps enough fragments
// to decode its own data.
func TestSingleNodeCreateRead(t *testing.T) {
	p := NewPeer(testConfig(18032))
	require.NoError(t, p.StartChord())
	t.Cleanup(p.Kill)

	key := HashKey("1")
	require.NoError(t, p.Create(key, "val"))

	block, err := p.Read(key)
	require.NoError(t, err)
	assert.Equal(t, "val", block.Decode())

	_, err = p.Read(HashKey("never created"))
	assert.ErrorIs(t, err, ErrInsufficientReplicas)
}

func TestHandlersValidateRecipient(t *testing.T) {
	p := NewPeer(testConfig(18033))
	require.NoError(t, p.StartChord())
	t.Cleanup(p.Kill)

	_, err := p.readFragmentHandler(&wire.Message{
		SenderID:    HashKey("someone").Hex(),
		RecipientID: HashKey("someone else").Hex(),
		Key:         HashKey("1").Hex(),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	frag := Fragment{Index: 1, Values: []float64{1, 2, 3, 4}}
	req := &wire.Message{
		SenderID:    HashKey("someone").Hex(),
		RecipientID: p.ID().Hex(),
		Key:         HashKey("1").Hex(),
		Fragment:    frag.String(),
	}
	_, err = p.createFragmentHandler(req)
	require.NoError(t, err)
	_, err = p.createFragmentHandler(req)
	assert.ErrorIs(t, err, ErrDuplicate, "a key already held is refused")
}

func TestThreePeerRingRouting(t *testing.T) {
	peers := startRing(t, 18060, 3)

	// All ids known to every peer: each key's successor must be the
	// first peer id at or after it, wherever the lookup starts.
	for _, name := range []string{"1", "7", "route me", "x"} {
		key := HashKey(name)
		want := expectedSuccessor(peers, key)
		for i, p := range peers {
			succ, err := p.getSuccessor(key, nil)
			require.NoError(t, err, "peer %d resolving %s", i, name)
			assert.Equal(t, want, succ.ID, "peer %d resolving %s", i, name)
		}
	}

	// Predecessor/successor pointers agree with the ring order.
	for _, p := range peers {
		pred, ok := p.pred()
		require.True(t, ok, "every peer of a full ring has a predecessor")
		assert.Equal(t, pred.ID.AddInt(1), p.minKey())
	}
}

// A ring with fewer peers than the reconstruction threshold cannot
// place a quorum of distinct fragments remotely.
func TestCreateNeedsQuorumOfPeers(t *testing.T) {
	peers := startRing(t, 18070, 3)

	err := peers[0].Create(HashKey("1"), "val")
	assert.ErrorIs(t, err, ErrInsufficientReplicas)
}

// expectedSuccessor is the reference answer: the smallest peer id at
// or after the key, wrapping to the smallest id overall.
func expectedSuccessor(peers []*Peer, key Key) Key {
	var best, min Key
	haveBest, haveMin := false, false
	for _, p := range peers {
		id := p.ID()
		if !haveMin || id.Less(min) {
			min, haveMin = id, true
		}
		if key.Cmp(id) <= 0 && (!haveBest || id.Less(best)) {
			best, haveBest = id, true
		}
	}
	if haveBest {
		return best
	}
	return min
}

// Scenario: fourteen peers, one value. Every fragment lands on a
// distinct peer and any of them, the latest joiner included, can read
// the value back after maintenance has run.
func TestFourteenPeerCreateRead(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-peer ring test with real maintenance timing")
	}

	peers := startRing(t, 18100, FragmentCount)

	key := HashKey("1")
	require.NoError(t, peers[0].Create(key, "val"))

	block, err := peers[0].Read(key)
	require.NoError(t, err)
	assert.Equal(t, "val", block.Decode())

	block, err = peers[7].Read(key)
	require.NoError(t, err)
	assert.Equal(t, "val", block.Decode())

	// Let a few maintenance rounds propagate, then the late joiner
	// must see the value too.
	time.Sleep(8 * time.Second)

	block, err = peers[len(peers)-1].Read(key)
	require.NoError(t, err)
	assert.Equal(t, "val", block.Decode())
}

// Scenario: twenty-eight peers, two graceful leaves. The survivors
// keep serving the value.
func TestGracefulLeavePreservesData(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-peer ring test with real maintenance timing")
	}

	peers := startRing(t, 18200, 2*FragmentCount)

	key := HashKey("1")
	require.NoError(t, peers[0].Create(key, "val"))

	block, err := peers[7].Read(key)
	require.NoError(t, err)
	assert.Equal(t, "val", block.Decode())

	require.NoError(t, peers[1].Leave())
	require.NoError(t, peers[2].Leave())

	// Give maintenance time to absorb the departures.
	time.Sleep(10 * time.Second)

	for _, idx := range []int{0, 7, 14, 27} {
		block, err := peers[idx].Read(key)
		require.NoError(t, err, "peer %d cannot read after leaves", idx)
		assert.Equal(t, "val", block.Decode(), "peer %d", idx)
	}
}

func TestPeerDescriptorReflectsRange(t *testing.T) {
	peers := startRing(t, 18080, 2)

	a, b := peers[0], peers[1]
	assert.Equal(t, b.ID().AddInt(1), a.minKey(), "two-peer ring splits the ring between them")
	assert.Equal(t, a.ID().AddInt(1), b.minKey())

	// Each peer is the other's predecessor.
	predOfA, ok := a.pred()
	require.True(t, ok)
	assert.Equal(t, b.ID(), predOfA.ID)
	predOfB, ok := b.pred()
	require.True(t, ok)
	assert.Equal(t, a.ID(), predOfB.ID)
}

func TestForwardRequestAvoidsCaller(t *testing.T) {
	peers := startRing(t, 18090, 2)
	a, b := peers[0], peers[1]

	// Forwarding a request whose finger target is the caller itself
	// must substitute a neighbor rather than bounce it back.
	caller := b.ID()
	req := &wire.Message{Command: wire.CmdGetSuccessor, Key: b.ID().AddInt(1).Hex()}
	resp, err := a.forwardRequest(req, b.ID().AddInt(1), &caller)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}
