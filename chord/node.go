// Package chord implements a DHash peer: Chord routing state plus an
// erasure-coded fragment store replicated across each key's successor
// arc.
package chord

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/dhashring/dhash/transport"
	"github.com/dhashring/dhash/wire"
)

// Peer is a locally-run DHash node: routing state, fragment store, and
// the transport endpoints that serve and issue wire commands.
type Peer struct {
	cfg *Config
	log *log.Entry
	clk clock.Clock

	self    Descriptor
	selfMtx sync.RWMutex // guards self.MinKey

	predecessor *Descriptor
	predMtx     sync.RWMutex

	successors *PeerList
	succMtx    sync.RWMutex

	fingers *FingerTable
	ftMtx   sync.RWMutex

	store *Store

	server *transport.Server
	client *transport.Client

	state    State
	stateMtx sync.RWMutex

	maintaining  atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

/* Function:	NewPeer
 *
 * Description:
 *		Create and initialize a peer for the given config. Nothing
 *		touches the network until StartChord or Join.
 */
func NewPeer(cfg *Config) *Peer {
	self := NewDescriptor(cfg.Addr, cfg.Port)

	p := &Peer{
		cfg:        cfg,
		log:        log.WithFields(log.Fields{"id": self.ID.Hex(), "port": cfg.Port}),
		clk:        clock.New(),
		self:       self,
		successors: NewPeerList(cfg.SuccessorListSize),
		fingers:    NewFingerTable(self.ID),
		store:      NewStore(),
		client:     transport.NewClient(cfg.Timeout),
		state:      StateUnjoined,
		shutdownCh: make(chan struct{}),
	}

	p.server = transport.NewServer(cfg.Addr, cfg.Port, map[string]transport.Handler{
		wire.CmdJoin:           p.joinHandler,
		wire.CmdLeave:          p.leaveHandler,
		wire.CmdNotify:         p.notifyHandler,
		wire.CmdGetSuccessor:   p.getSuccHandler,
		wire.CmdGetPredecessor: p.getPredHandler,
		wire.CmdCreateFragment: p.createFragmentHandler,
		wire.CmdReadFragment:   p.readFragmentHandler,
		wire.CmdSynchronize:    p.synchronizeHandler,
		wire.CmdMaintenance:    p.maintenanceHandler,
	})

	p.log.Infof("created peer with id %s", self.ID)
	return p
}

/* ----------------------------------------------------------------------------
 * STATE ACCESSORS: Small lock-disciplined views of the mutable peer
 *		 state. Every mutation happens under the matching lock
 *		 and the locks are released before any outbound request.
 * -------------------------------------------------------------------------- */

// ID is the peer's ring identifier, fixed at construction.
func (p *Peer) ID() Key {
	return p.self.ID
}

func (p *Peer) minKey() Key {
	p.selfMtx.RLock()
	defer p.selfMtx.RUnlock()
	return p.self.MinKey
}

func (p *Peer) setMinKey(k Key) {
	p.selfMtx.Lock()
	p.self.MinKey = k
	p.selfMtx.Unlock()
}

// Descriptor returns the peer's own descriptor with its current range.
func (p *Peer) Descriptor() Descriptor {
	p.selfMtx.RLock()
	defer p.selfMtx.RUnlock()
	return p.self
}

func (p *Peer) pred() (Descriptor, bool) {
	p.predMtx.RLock()
	defer p.predMtx.RUnlock()
	if p.predecessor == nil {
		return Descriptor{}, false
	}
	return *p.predecessor, true
}

func (p *Peer) setPred(d Descriptor) {
	p.predMtx.Lock()
	p.predecessor = &d
	p.predMtx.Unlock()
}

func (p *Peer) firstSuccessor() (Descriptor, bool) {
	p.succMtx.RLock()
	defer p.succMtx.RUnlock()
	if p.successors.Len() == 0 {
		return Descriptor{}, false
	}
	return p.successors.Entry(0), true
}

func (p *Peer) successorEntries() []Descriptor {
	p.succMtx.RLock()
	defer p.succMtx.RUnlock()
	return p.successors.Entries()
}

func (p *Peer) successorCount() int {
	p.succMtx.RLock()
	defer p.succMtx.RUnlock()
	return p.successors.Len()
}

// State reports the peer's lifecycle state.
func (p *Peer) State() State {
	p.stateMtx.RLock()
	defer p.stateMtx.RUnlock()
	return p.state
}

func (p *Peer) transition(to State) error {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	if !validTransition(p.state, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidRequest, p.state, to)
	}
	p.log.Debugf("state %s -> %s", p.state, to)
	p.state = to
	return nil
}

func (p *Peer) ensureActive() error {
	if s := p.State(); !s.active() {
		return fmt.Errorf("%w: peer is %s", ErrInvalidRequest, s)
	}
	return nil
}

/* ----------------------------------------------------------------------------
 * JOIN/LEAVE: Start a ring, join one through a gateway, or leave
 *		 gracefully. The matching handlers live in handlers.go.
 * -------------------------------------------------------------------------- */

/* Function:	StartChord
 *
 * Description:
 *		Create a new ring as its first peer. The sole peer owns the
 *		whole ring: min key is id+1. The maintenance task starts after
 *		a grace period.
 */
func (p *Peer) StartChord() error {
	if err := p.transition(StateStarting); err != nil {
		return err
	}
	p.log.Info("starting chord")

	p.setMinKey(p.self.ID.AddInt(1))

	if err := p.server.Start(); err != nil {
		p.Kill()
		return err
	}
	if err := p.transition(StateActiveWithoutPredecessor); err != nil {
		return err
	}

	go p.maintenanceLoop()
	return nil
}

/* Function:	Join
 *
 * Description:
 *		Join an existing ring through any known peer. The gateway
 *		resolves our would-be predecessor; from it we derive our key
 *		range, initialize the finger table, announce ourselves to our
 *		neighborhood, and install our successors.
 */
func (p *Peer) Join(gatewayAddr string, gatewayPort int) error {
	if err := p.transition(StateStarting); err != nil {
		return err
	}
	p.log.Infof("joining chord via %s:%d", gatewayAddr, gatewayPort)

	if err := p.server.Start(); err != nil {
		p.Kill()
		return err
	}

	req := &wire.Message{
		Command:  wire.CmdJoin,
		SenderID: p.self.ID.Hex(),
		NewPeer:  p.Descriptor().ToWire(),
	}
	resp, _, err := p.client.Send(gatewayAddr, gatewayPort, req)
	if err != nil {
		p.log.Errorf("join request failed: %v", err)
		p.Kill()
		return err
	}
	if !resp.Success {
		p.Kill()
		return fmt.Errorf("%w: gateway refused join: %s", ErrInvalidRequest, resp.Errors)
	}

	pred, err := DescriptorFromWire(resp.Predecessor)
	if err != nil {
		p.Kill()
		return err
	}

	p.setPred(pred)
	p.setMinKey(pred.ID.AddInt(1))
	if err := p.transition(StateActiveWithPredecessor); err != nil {
		return err
	}
	p.log.Infof("predecessor given by gateway is %s, range is %s-%s", pred.ID, p.minKey(), p.self.ID)

	if err := p.populateFingerTable(true); err != nil {
		p.Kill()
		return err
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		p.ftMtx.RLock()
		p.fingers.Dump()
		p.ftMtx.RUnlock()
	}

	// Let our new neighborhood fold us into its successor lists.
	preds, err := p.getNPredecessors(p.self.ID, p.cfg.SuccessorListSize)
	if err != nil {
		p.log.Warnf("gathering predecessors during join: %v", err)
	}
	for _, peer := range preds {
		if peer.ID != p.self.ID {
			p.notify(p.Descriptor(), peer)
		}
	}

	succs, err := p.getNSuccessors(p.self.ID, p.cfg.SuccessorListSize, nil)
	if err != nil {
		p.log.Warnf("gathering successors during join: %v", err)
	}
	p.installSuccessors(succs)
	if succ, ok := p.firstSuccessor(); ok {
		p.notify(p.Descriptor(), succ)
	}

	go p.maintenanceLoop()
	return nil
}

// installSuccessors rebuilds the successor list from a clockwise walk,
// skipping ourselves and carrying over observed latencies.
func (p *Peer) installSuccessors(succs []Descriptor) {
	p.succMtx.Lock()
	defer p.succMtx.Unlock()

	list := NewPeerList(p.cfg.SuccessorListSize)
	for _, succ := range succs {
		if succ.ID == p.self.ID {
			continue
		}
		succ.Latency = p.successors.Latency(succ.ID)
		list.Insert(succ)
	}
	if list.Len() > 0 {
		p.successors = list
	}
}

/* Function:	Leave
 *
 * Description:
 *		Leave the ring gracefully: hand the successor our predecessor
 *		and range, let the predecessor repoint its fingers past us,
 *		then stop serving. Recipients may process the notifications
 *		after we are gone; the next maintenance round absorbs the gap.
 */
func (p *Peer) Leave() error {
	if err := p.transition(StateLeaving); err != nil {
		return err
	}
	p.log.Info("leaving chord")

	pred, hasPred := p.pred()
	succ, hasSucc := p.firstSuccessor()

	if hasPred && hasSucc {
		minKey := p.minKey()

		forSucc := &wire.Message{
			Command: wire.CmdLeave,
			NewPred: pred.ToWire(),
			NewMin:  minKey.AddInt(1).Hex(),
		}
		if _, err := p.makeRequest(forSucc, succ); err != nil {
			p.log.Warnf("leave notification to successor: %v", err)
		}

		// The successor inherits our range, so the predecessor's
		// fingers for it must carry our min key.
		newSucc := succ
		newSucc.MinKey = minKey
		forPred := &wire.Message{
			Command: wire.CmdLeave,
			NewSucc: newSucc.ToWire(),
		}
		if _, err := p.makeRequest(forPred, pred); err != nil {
			p.log.Warnf("leave notification to predecessor: %v", err)
		}
	}

	p.Kill()
	return nil
}

// Kill stops the peer immediately: the un-graceful leave. Safe to call
// from any state; afterwards every operation is rejected.
func (p *Peer) Kill() {
	p.stateMtx.Lock()
	already := p.state == StateDead
	p.state = StateDead
	p.stateMtx.Unlock()
	if already {
		return
	}

	p.log.Info("shutting down")
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
	p.server.Close()
	p.client.Close()
}

/* ----------------------------------------------------------------------------
 * NETWORKING: Requests to other peers, and forwarding along the finger
 *		 table with the loop-avoidance substitution.
 * -------------------------------------------------------------------------- */

// makeRequest stamps the envelope identities, sends, and folds the
// observed round-trip time into the successor list.
func (p *Peer) makeRequest(req *wire.Message, peer Descriptor) (*wire.Message, error) {
	req.SenderID = p.self.ID.Hex()
	req.RecipientID = peer.ID.Hex()

	resp, rtt, err := p.client.Send(peer.Addr, peer.Port, req)
	if err != nil {
		return nil, err
	}

	p.succMtx.Lock()
	p.successors.RecordLatency(peer.ID, rtt)
	p.succMtx.Unlock()

	return resp, nil
}

/* Function:	forwardRequest
 *
 * Description:
 *		Route a request toward the peer responsible for key via the
 *		finger table. When the table points back at the requesting
 *		client or at ourselves, substitute: the predecessor in
 *		general, or the immediate successor when the client *is* the
 *		predecessor. Transport failures surface so the caller can pick
 *		its fallback.
 */
func (p *Peer) forwardRequest(req *wire.Message, key Key, caller *Key) (*wire.Message, error) {
	p.ftMtx.RLock()
	target, err := p.fingers.Lookup(key)
	p.ftMtx.RUnlock()
	if err != nil {
		return nil, err
	}

	targetIsCaller := caller != nil && target.ID == *caller
	targetIsSelf := target.ID == p.self.ID

	if targetIsCaller || targetIsSelf {
		pred, hasPred := p.pred()
		if caller != nil && hasPred && *caller == pred.ID {
			succ, hasSucc := p.firstSuccessor()
			if !hasSucc {
				return nil, fmt.Errorf("%w: no successor to route %s through", ErrNotFound, key)
			}
			return p.makeRequest(req, succ)
		}
		if !hasPred {
			return nil, fmt.Errorf("%w: no predecessor to route %s through", ErrNotFound, key)
		}
		return p.makeRequest(req, pred)
	}

	return p.makeRequest(req, target)
}

/* ----------------------------------------------------------------------------
 * SUCC/PRED RESOLUTION: Resolve the successor or predecessor of any
 *		 key, forwarding around the ring when it is not ours to
 *		 answer.
 * -------------------------------------------------------------------------- */

/* Function:	getSuccessor
 *
 * Description:
 *		Resolve the peer owning key. Keys in our own range resolve to
 *		us; everything else forwards via the finger table, retrying
 *		once through the predecessor when the forward fails.
 */
func (p *Peer) getSuccessor(key Key, caller *Key) (Descriptor, error) {
	if key.InBetween(p.minKey(), p.self.ID, true) {
		return p.Descriptor(), nil
	}

	req := &wire.Message{Command: wire.CmdGetSuccessor, Key: key.Hex()}
	resp, err := p.forwardRequest(req, key, caller)
	if err != nil {
		pred, hasPred := p.pred()
		if !hasPred {
			return Descriptor{}, err
		}
		retry := &wire.Message{Command: wire.CmdGetSuccessor, Key: key.Hex()}
		if resp, err = p.makeRequest(retry, pred); err != nil {
			return Descriptor{}, err
		}
	}
	if !resp.Success {
		return Descriptor{}, fmt.Errorf("%w: resolving successor of %s: %s", ErrNotFound, key, resp.Errors)
	}
	return DescriptorFromWire(&resp.Peer)
}

/* Function:	getPredecessor
 *
 * Description:
 *		Resolve the peer preceding key. With no predecessor known we
 *		are alone, so the answer is us. For keys stored locally the
 *		answer is our own predecessor; otherwise forward.
 */
func (p *Peer) getPredecessor(key Key, caller *Key) (Descriptor, error) {
	pred, hasPred := p.pred()
	if !hasPred {
		return p.Descriptor(), nil
	}

	if key.InBetween(p.minKey(), p.self.ID, true) {
		return pred, nil
	}

	req := &wire.Message{Command: wire.CmdGetPredecessor, Key: key.Hex()}
	resp, err := p.forwardRequest(req, key, caller)
	if err != nil {
		return Descriptor{}, err
	}
	if !resp.Success {
		return Descriptor{}, fmt.Errorf("%w: resolving predecessor of %s: %s", ErrNotFound, key, resp.Errors)
	}
	return DescriptorFromWire(&resp.Peer)
}

/* Function:	getNSuccessors
 *
 * Description:
 *		Walk clockwise collecting up to n successors of key. The walk
 *		stops early once it loops back to the starting key, so a small
 *		ring yields fewer (or wrapped duplicate) entries rather than
 *		an artificial alternation.
 */
func (p *Peer) getNSuccessors(key Key, n int, caller *Key) ([]Descriptor, error) {
	var list []Descriptor
	previous := key

	for i := 0; i < n; i++ {
		succ, err := p.getSuccessor(previous.AddInt(1), caller)
		if err != nil {
			return list, err
		}
		list = append(list, succ)

		if previous == key && i != 0 {
			break
		}
		previous = succ.ID
	}
	return list, nil
}

func (p *Peer) getNPredecessors(key Key, n int) ([]Descriptor, error) {
	var list []Descriptor
	previous := key

	for i := 0; i < n; i++ {
		pred, err := p.getPredecessor(previous.SubInt(1), nil)
		if err != nil {
			return list, err
		}
		list = append(list, pred)

		if previous == key && i != 0 {
			break
		}
		previous = pred.ID
	}
	return list, nil
}

// notify tells peerToNotify that newPeer has entered the ring.
func (p *Peer) notify(newPeer, peerToNotify Descriptor) bool {
	req := &wire.Message{
		Command: wire.CmdNotify,
		RecipID: peerToNotify.ID.Hex(),
		NewPeer: newPeer.ToWire(),
	}
	resp, err := p.makeRequest(req, peerToNotify)
	if err != nil {
		p.log.Warnf("notify %s: %v", peerToNotify.ID, err)
		return false
	}
	return resp.Success
}

/* ----------------------------------------------------------------------------
 * CREATE/READ: DHash supports only create and read. Owners rotate out
 *		 of a key's successor arc as membership churns and may
 *		 carry stale fragments, so update and delete cannot be
 *		 made safe.
 * -------------------------------------------------------------------------- */

/* Function:	Create
 *
 * Description:
 *		Disperse a value across the successor arc of its key: fragment
 *		i goes to successor i. Succeeds only when at least the
 *		reconstruction threshold of placements land.
 */
func (p *Peer) Create(key Key, value string) error {
	if err := p.ensureActive(); err != nil {
		return err
	}

	block, err := NewBlock(value)
	if err != nil {
		return err
	}

	succs, err := p.getNSuccessors(key, FragmentCount, nil)
	if err != nil {
		p.log.Warnf("create %s: successor walk stopped: %v", key, err)
	}
	if len(succs) < ReconstructThreshold {
		return fmt.Errorf("%w: only %d successors reachable", ErrInsufficientReplicas, len(succs))
	}

	placed := 0
	for i, frag := range block.Fragments() {
		if i >= len(succs) {
			break
		}
		if succs[i].ID == p.self.ID {
			if err := p.store.Place(key, frag); err != nil {
				p.log.Debugf("create %s: local placement: %v", key, err)
			} else {
				placed++
			}
			continue
		}
		if p.createFragment(succs[i], key, frag, nil) {
			placed++
		}
	}

	if placed < ReconstructThreshold {
		return fmt.Errorf("%w: placed %d of %d fragments", ErrInsufficientReplicas, placed, ReconstructThreshold)
	}
	p.log.Infof("created %s with %d placements", key, placed)
	return nil
}

// createFragment places one fragment on a recipient. Sending to the
// requesting client or to ourselves is refused without a request.
func (p *Peer) createFragment(recipient Descriptor, key Key, frag Fragment, caller *Key) bool {
	if caller != nil && recipient.ID == *caller {
		return false
	}
	if recipient.ID == p.self.ID {
		return false
	}

	req := &wire.Message{
		Command:  wire.CmdCreateFragment,
		Key:      key.Hex(),
		Fragment: frag.String(),
	}
	resp, err := p.makeRequest(req, recipient)
	if err != nil {
		p.log.Debugf("create fragment %d of %s on %s: %v", frag.Index, key, recipient.ID, err)
		return false
	}
	return resp.Success
}

/* Function:	Read
 *
 * Description:
 *		Gather fragments for a key from its successor arc, preferring
 *		replicas with low observed latency, until the reconstruction
 *		threshold of distinct indices is reached, then decode.
 */
func (p *Peer) Read(key Key) (*Block, error) {
	if err := p.ensureActive(); err != nil {
		return nil, err
	}

	succs, err := p.getNSuccessors(key, FragmentCount, nil)
	if err != nil {
		p.log.Warnf("read %s: successor walk stopped: %v", key, err)
	}

	byIndex := make(map[int]Fragment)
	for _, succ := range p.orderByLatency(succs) {
		if len(byIndex) >= ReconstructThreshold {
			break
		}
		if succ.ID == p.self.ID {
			for _, frag := range p.store.Fragments(key) {
				byIndex[frag.Index] = frag
				if len(byIndex) >= ReconstructThreshold {
					break
				}
			}
			continue
		}
		frag, err := p.readFragment(succ, key)
		if err != nil {
			continue
		}
		byIndex[frag.Index] = frag
	}

	if len(byIndex) < ReconstructThreshold {
		return nil, fmt.Errorf("%w: gathered %d distinct fragments", ErrInsufficientReplicas, len(byIndex))
	}

	frags := make([]Fragment, 0, len(byIndex))
	for _, frag := range byIndex {
		frags = append(frags, frag)
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].Index < frags[j].Index })

	return BlockFromFragments(frags)
}

// orderByLatency reorders gathered successors by the latency recorded
// in the successor list, fastest first; unknown peers keep their
// clockwise position among the zeros.
func (p *Peer) orderByLatency(succs []Descriptor) []Descriptor {
	p.succMtx.RLock()
	for i := range succs {
		succs[i].Latency = p.successors.Latency(succs[i].ID)
	}
	p.succMtx.RUnlock()

	out := make([]Descriptor, len(succs))
	copy(out, succs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Latency < out[j].Latency })
	return out
}

func (p *Peer) readFragment(recipient Descriptor, key Key) (Fragment, error) {
	req := &wire.Message{Command: wire.CmdReadFragment, Key: key.Hex()}
	resp, err := p.makeRequest(req, recipient)
	if err != nil {
		return Fragment{}, err
	}
	if !resp.Success {
		return Fragment{}, fmt.Errorf("%w: %s on %s: %s", ErrNotFound, key, recipient.ID, resp.Errors)
	}
	return ParseFragment(resp.Fragment)
}
