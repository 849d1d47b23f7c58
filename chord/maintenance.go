package chord

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dhashring/dhash/wire"
)

// successorWaitPoll is how often a maintenance round re-checks for a
// successor before its first useful work.
const successorWaitPoll = 100 * time.Millisecond

/* ----------------------------------------------------------------------------
 * MAINTENANCE: Restore the routing and replication invariants as
 *		 membership churns. A single general round stabilizes
 *		 routing state, refills missing fragments at successors,
 *		 repatriates misplaced fragments, and then hands the
 *		 round to the immediate successor, propagating it around
 *		 the ring.
 * -------------------------------------------------------------------------- */

// maintenanceLoop kicks off the first round after the startup grace
// period. Subsequent rounds arrive as MAINTENANCE messages from the
// predecessor.
func (p *Peer) maintenanceLoop() {
	select {
	case <-p.clk.After(p.cfg.GracePeriod):
	case <-p.shutdownCh:
		return
	}
	p.runGeneralMaintenance()
}

/* Function:	runGeneralMaintenance
 *
 * Description:
 *		One maintenance round: wait for a successor, pause briefly,
 *		stabilize, run local then global maintenance, and trigger the
 *		successor's round. At most one round runs at a time; overlap
 *		requests are dropped since a round is already in flight.
 */
func (p *Peer) runGeneralMaintenance() {
	if !p.maintaining.CompareAndSwap(false, true) {
		return
	}
	defer p.maintaining.Store(false)

	for p.successorCount() == 0 {
		select {
		case <-p.shutdownCh:
			return
		case <-p.clk.After(successorWaitPoll):
		}
	}
	select {
	case <-p.shutdownCh:
		return
	case <-p.clk.After(p.cfg.MaintenanceInterval):
	}
	if p.State() == StateDead {
		return
	}

	p.log.Debug("starting general maintenance")
	p.stabilize()
	p.runLocalMaintenance()
	p.runGlobalMaintenance()

	if succ, ok := p.firstSuccessor(); ok && succ.ID != p.self.ID {
		req := &wire.Message{Command: wire.CmdMaintenance}
		if _, err := p.makeRequest(req, succ); err != nil {
			p.log.Warnf("handing maintenance round to %s: %v", succ.ID, err)
		}
	}
	p.log.Debug("ending general maintenance")
}

/* Function:	stabilize
 *
 * Description:
 *		Refresh the finger table against current membership and
 *		rebuild the successor list from a clockwise walk.
 */
func (p *Peer) stabilize() {
	if err := p.populateFingerTable(false); err != nil {
		p.log.Warnf("stabilize: finger table update: %v", err)
	}

	succs, err := p.getNSuccessors(p.self.ID, p.cfg.SuccessorListSize, nil)
	if err != nil {
		p.log.Warnf("stabilize: successor walk stopped: %v", err)
	}
	p.installSuccessors(succs)
}

/* Function:	populateFingerTable
 *
 * Description:
 *		Resolve the successor for all finger arcs. In initialize mode
 *		arcs inside our own range resolve to us, and everything else
 *		is asked of the predecessor (entry 0) or of the previous
 *		entry's successor, since our own routing cannot resolve keys
 *		yet. In update mode entry 0 resolves through normal routing
 *		and later entries query the previous successor, falling back
 *		to local resolution when that peer is unreachable.
 */
func (p *Peer) populateFingerTable(initialize bool) error {
	p.ftMtx.RLock()
	entries := p.fingers.snapshot()
	p.ftMtx.RUnlock()

	if !initialize && len(entries) == 0 {
		initialize = true
	}
	if initialize {
		entries = entries[:0]
	}

	for i := 0; i < NumFingers; i++ {
		lower, upper := p.fingers.NthRange(i)

		if initialize {
			if lower.InBetween(p.minKey(), p.self.ID, true) {
				entries = append(entries, Finger{Lower: lower, Upper: upper, Successor: p.Descriptor()})
				continue
			}

			var target Descriptor
			if i == 0 {
				pred, ok := p.pred()
				if !ok {
					return fmt.Errorf("%w: no predecessor to initialize fingers from", ErrInvalidRequest)
				}
				target = pred
			} else {
				target = entries[i-1].Successor
			}

			req := &wire.Message{Command: wire.CmdGetSuccessor, Key: lower.Hex()}
			resp, err := p.makeRequest(req, target)
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%w: initializing finger %d: %s", ErrNotFound, i, resp.Errors)
			}
			succ, err := DescriptorFromWire(&resp.Peer)
			if err != nil {
				return err
			}
			entries = append(entries, Finger{Lower: lower, Upper: upper, Successor: succ})
			continue
		}

		if i == 0 {
			succ, err := p.getSuccessor(lower, nil)
			if err != nil {
				continue // keep the previous entry
			}
			entries[i].Successor = succ
			continue
		}

		req := &wire.Message{Command: wire.CmdGetSuccessor, Key: lower.Hex()}
		resp, err := p.makeRequest(req, entries[i-1].Successor)
		if err == nil && resp.Success {
			if succ, err := DescriptorFromWire(&resp.Peer); err == nil {
				entries[i].Successor = succ
			}
			continue
		}

		succ, err := p.getSuccessor(lower, nil)
		if err != nil {
			continue
		}
		entries[i].Successor = succ
	}

	p.ftMtx.Lock()
	p.fingers.replace(entries)
	p.ftMtx.Unlock()
	return nil
}

/* Function:	runGlobalMaintenance
 *
 * Description:
 *		Walk the ring segment by segment. Any segment whose successor
 *		arc no longer includes us makes every locally-stored key in it
 *		misplaced: each is offered to the segment's successors and
 *		deleted here once one accepts. The walk ends when it re-enters
 *		our own range.
 */
func (p *Peer) runGlobalMaintenance() {
	current := p.self.ID

	for {
		succs, err := p.getNSuccessors(current, p.cfg.SuccessorListSize, nil)
		if len(succs) == 0 {
			if err != nil {
				p.log.Warnf("global maintenance walk at %s: %v", current, err)
			}
			return
		}

		amongSuccessors := false
		for _, succ := range succs {
			if succ.ID == p.self.ID {
				amongSuccessors = true
				break
			}
		}

		if !amongSuccessors {
			for _, pair := range p.store.ReadRange(current, succs[0].ID) {
				for _, succ := range succs {
					if p.createFragment(succ, pair.Key, pair.Fragment, nil) {
						p.log.Infof("repatriated misplaced key %s to %s", pair.Key, succ.ID)
						if err := p.store.Delete(pair.Key); err != nil {
							p.log.Warnf("deleting repatriated key %s: %v", pair.Key, err)
						}
						break
					}
				}
			}
		}

		next := succs[0].ID
		if next == current {
			// A stale view can stop the walk from advancing; bail and
			// let the next round retry with fresher routing.
			return
		}
		current = next
		if current.InBetween(p.minKey(), p.self.ID, true) {
			return
		}
	}
}

// runLocalMaintenance announces the keys of our owning range to each
// successor so they can refill fragments they are missing.
func (p *Peer) runLocalMaintenance() {
	for _, succ := range p.successorEntries() {
		p.synchronize(succ, p.minKey(), p.self.ID)
	}
}

/* Function:	synchronize
 *
 * Description:
 *		Send a successor the set of key identifiers we store in
 *		[lower, upper]. The response carries nothing; the successor
 *		pulls whatever it lacks.
 */
func (p *Peer) synchronize(succ Descriptor, lower, upper Key) {
	pairs := p.store.ReadRange(lower, upper)
	keys := make([]string, len(pairs))
	for i, pair := range pairs {
		keys[i] = pair.Key.Hex()
	}

	req := &wire.Message{Command: wire.CmdSynchronize, Keys: keys}
	if _, err := p.makeRequest(req, succ); err != nil {
		p.log.Warnf("synchronize with %s: %v", succ.ID, err)
	}
}

/* Function:	retrieveMissing
 *
 * Description:
 *		Reconstruct a block we should hold a fragment of, pick one of
 *		its fragments at random, and store it.
 */
func (p *Peer) retrieveMissing(key Key) error {
	p.log.Infof("retrieving missing key %s", key)

	block, err := p.Read(key)
	if err != nil {
		return err
	}
	frags := block.Fragments()
	return p.store.Insert(key, frags[rand.Intn(len(frags))])
}
