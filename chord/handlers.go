package chord

import (
	"fmt"

	"github.com/dhashring/dhash/wire"
)

/* ----------------------------------------------------------------------------
 * HANDLERS: One function per wire command, registered with the
 *		 transport server at construction. Each parses the sender
 *		 identity out of its request and threads it through any
 *		 forwarding it performs, so concurrent sessions never
 *		 share client context.
 * -------------------------------------------------------------------------- */

// validate rejects requests addressed to somebody else and parses the
// sender identity out of the envelope. A nil caller means the request
// carried no sender.
func (p *Peer) validate(req *wire.Message) (*Key, error) {
	if req.RecipientID != "" && req.RecipientID != p.self.ID.Hex() {
		return nil, fmt.Errorf("%w: recipient %s is not %s", ErrInvalidRequest, req.RecipientID, p.self.ID.Hex())
	}
	if req.SenderID == "" {
		return nil, nil
	}
	sender, err := ParseKey(req.SenderID)
	if err != nil {
		return nil, err
	}
	return &sender, nil
}

/* Function:	joinHandler
 *
 * Description:
 *		Resolve the would-be predecessor of a joining peer and return
 *		it. Possibly forwards; never mutates local state. The joiner
 *		learns of us as a successor through its own notifications.
 */
func (p *Peer) joinHandler(req *wire.Message) (*wire.Message, error) {
	caller, err := p.validate(req)
	if err != nil {
		return nil, err
	}
	newPeer, err := DescriptorFromWire(req.NewPeer)
	if err != nil {
		return nil, err
	}
	p.log.Infof("join request from %s", newPeer.ID)

	pred, err := p.getPredecessor(newPeer.ID, caller)
	if err != nil {
		return nil, err
	}
	return &wire.Message{Predecessor: pred.ToWire()}, nil
}

/* Function:	leaveHandler
 *
 * Description:
 *		A neighbor is leaving. From our predecessor we inherit its
 *		predecessor and range; from our immediate successor we repoint
 *		fingers at its announced replacement. Never blocks on remote
 *		calls.
 */
func (p *Peer) leaveHandler(req *wire.Message) (*wire.Message, error) {
	caller, err := p.validate(req)
	if err != nil {
		return nil, err
	}
	if caller == nil {
		return nil, fmt.Errorf("%w: leave carries no sender", ErrInvalidRequest)
	}

	if pred, ok := p.pred(); ok && *caller == pred.ID && req.NewPred != nil {
		newPred, err := DescriptorFromWire(req.NewPred)
		if err != nil {
			return nil, err
		}
		newMin, err := ParseKey(req.NewMin)
		if err != nil {
			return nil, err
		}
		p.log.Infof("predecessor %s left, inheriting predecessor %s", pred.ID, newPred.ID)
		p.setPred(newPred)
		p.setMinKey(newMin)
	}

	if succ, ok := p.firstSuccessor(); ok && *caller == succ.ID && req.NewSucc != nil {
		newSucc, err := DescriptorFromWire(req.NewSucc)
		if err != nil {
			return nil, err
		}
		p.log.Infof("successor %s left, fingers repointed at %s", succ.ID, newSucc.ID)
		p.ftMtx.Lock()
		p.fingers.AdjustFingers(newSucc)
		p.ftMtx.Unlock()
	}

	return &wire.Message{}, nil
}

/* Function:	notifyHandler
 *
 * Description:
 *		A peer has entered the ring. When it falls between our
 *		predecessor and us it becomes our predecessor and our range
 *		shrinks. Otherwise it is a ring neighbor: make sure the finger
 *		table exists, fold the peer into it, and offer it to the
 *		successor list.
 */
func (p *Peer) notifyHandler(req *wire.Message) (*wire.Message, error) {
	if req.RecipID != "" && req.RecipID != p.self.ID.Hex() {
		return nil, fmt.Errorf("%w: notify for %s reached %s", ErrInvalidRequest, req.RecipID, p.self.ID.Hex())
	}
	newPeer, err := DescriptorFromWire(req.NewPeer)
	if err != nil {
		return nil, err
	}

	pred, hasPred := p.pred()
	peerIsPred := !hasPred || newPeer.ID.InBetween(pred.ID, p.self.ID, false)

	if peerIsPred {
		p.ftMtx.Lock()
		p.fingers.AdjustFingers(newPeer)
		p.ftMtx.Unlock()

		if hasPred {
			p.log.Infof("predecessor %s replaced by %s", pred.ID, newPeer.ID)
		} else {
			p.log.Infof("first predecessor is %s", newPeer.ID)
		}
		p.setPred(newPeer)
		p.setMinKey(newPeer.ID.AddInt(1))
		if p.State() == StateActiveWithoutPredecessor {
			if err := p.transition(StateActiveWithPredecessor); err != nil {
				p.log.Warnf("notify transition: %v", err)
			}
		}
		return &wire.Message{}, nil
	}

	p.ftMtx.RLock()
	empty := p.fingers.Empty()
	p.ftMtx.RUnlock()
	if empty {
		if err := p.populateFingerTable(true); err != nil {
			p.log.Warnf("initializing finger table on notify: %v", err)
		}
	}

	p.ftMtx.Lock()
	p.fingers.AdjustFingers(newPeer)
	p.ftMtx.Unlock()

	p.succMtx.Lock()
	p.successors.Insert(newPeer)
	p.succMtx.Unlock()

	return &wire.Message{}, nil
}

func (p *Peer) getSuccHandler(req *wire.Message) (*wire.Message, error) {
	caller, err := p.validate(req)
	if err != nil {
		return nil, err
	}
	key, err := ParseKey(req.Key)
	if err != nil {
		return nil, err
	}

	succ, err := p.getSuccessor(key, caller)
	if err != nil {
		return nil, err
	}
	return &wire.Message{Peer: *succ.ToWire()}, nil
}

func (p *Peer) getPredHandler(req *wire.Message) (*wire.Message, error) {
	caller, err := p.validate(req)
	if err != nil {
		return nil, err
	}
	key, err := ParseKey(req.Key)
	if err != nil {
		return nil, err
	}

	pred, err := p.getPredecessor(key, caller)
	if err != nil {
		return nil, err
	}
	return &wire.Message{Peer: *pred.ToWire()}, nil
}

/* Function:	createFragmentHandler
 *
 * Description:
 *		Store one fragment of a key. A key already held is refused:
 *		at full ring sizes every replica carries exactly one fragment.
 */
func (p *Peer) createFragmentHandler(req *wire.Message) (*wire.Message, error) {
	if _, err := p.validate(req); err != nil {
		return nil, err
	}
	key, err := ParseKey(req.Key)
	if err != nil {
		return nil, err
	}
	if p.store.Contains(key) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	frag, err := ParseFragment(req.Fragment)
	if err != nil {
		return nil, err
	}
	if err := p.store.Insert(key, frag); err != nil {
		return nil, err
	}
	p.log.Debugf("stored fragment %d of %s", frag.Index, key)
	return &wire.Message{}, nil
}

func (p *Peer) readFragmentHandler(req *wire.Message) (*wire.Message, error) {
	if _, err := p.validate(req); err != nil {
		return nil, err
	}
	key, err := ParseKey(req.Key)
	if err != nil {
		return nil, err
	}
	frag, err := p.store.Lookup(key)
	if err != nil {
		return nil, err
	}
	return &wire.Message{Fragment: frag.String()}, nil
}

/* Function:	synchronizeHandler
 *
 * Description:
 *		A predecessor announced the keys of its owning range. Any we
 *		do not hold, we reconstruct from the ring and keep a fragment
 *		of. Individual retrieval failures are skipped; the next round
 *		retries.
 */
func (p *Peer) synchronizeHandler(req *wire.Message) (*wire.Message, error) {
	if _, err := p.validate(req); err != nil {
		return nil, err
	}

	for _, hex := range req.Keys {
		key, err := ParseKey(hex)
		if err != nil {
			return nil, err
		}
		if p.store.Contains(key) {
			continue
		}
		if err := p.retrieveMissing(key); err != nil {
			p.log.Warnf("retrieving missing key %s: %v", key, err)
		}
	}
	return &wire.Message{}, nil
}

// maintenanceHandler lets a predecessor hand the maintenance round to
// us. The round runs off the session goroutine so the response is
// immediate.
func (p *Peer) maintenanceHandler(req *wire.Message) (*wire.Message, error) {
	if _, err := p.validate(req); err != nil {
		return nil, err
	}
	go p.runGeneralMaintenance()
	return &wire.Message{}, nil
}
