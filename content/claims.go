package content

import (
	"sync"

	"github.com/recflow/recflow/record"
)

// ClaimManager tracks, per resource file, how many outstanding content
// claims reference it. It knows nothing about record semantics; it only
// counts. Releases are parked until the next checkpoint confirms them,
// because until the checkpoint the previous snapshot still implies the
// old references: a crash before the checkpoint re-derives the counts
// from the recovered record set, so nothing is freed prematurely.
type ClaimManager struct {
	mu      sync.Mutex
	counts  map[string]int64
	rcs     map[string]record.ResourceClaim
	pending map[string]record.ResourceClaim

	// eligible is the hand-off queue to the background cleanup task
	eligible chan record.ResourceClaim
}

func NewClaimManager() *ClaimManager {
	return &ClaimManager{
		counts:   make(map[string]int64),
		rcs:      make(map[string]record.ResourceClaim),
		pending:  make(map[string]record.ResourceClaim),
		eligible: make(chan record.ResourceClaim, 1024),
	}
}

func (cm *ClaimManager) Claimed(rc record.ResourceClaim) {
	cm.mu.Lock()
	key := rc.Key()
	cm.counts[key]++
	cm.rcs[key] = rc
	cm.mu.Unlock()
}

// Released is called when a content claim is superseded by copy-on-write
// or its owning record is removed. The decrement takes effect right away
// but deletion eligibility waits for checkpoint confirmation.
func (cm *ClaimManager) Released(rc record.ResourceClaim) {
	cm.mu.Lock()
	key := rc.Key()
	cm.counts[key]--
	cm.pending[key] = rc
	cm.mu.Unlock()
}

// ReleasedImmediate drops a reference taken by a transaction that never
// committed. Nothing durable ever pointed at the claim, so a zero count
// makes it cleanup-eligible without waiting for a checkpoint.
func (cm *ClaimManager) ReleasedImmediate(rc record.ResourceClaim) {
	cm.mu.Lock()
	key := rc.Key()
	cm.counts[key]--
	if cm.counts[key] <= 0 {
		delete(cm.counts, key)
		delete(cm.rcs, key)
		delete(cm.pending, key)
		cm.mu.Unlock()
		cm.offer(rc)
		return
	}
	cm.mu.Unlock()
}

// Count reports the outstanding references of a resource claim.
func (cm *ClaimManager) Count(rc record.ResourceClaim) int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.counts[rc.Key()]
}

// CheckpointPending captures the releases awaiting durability and clears
// the set. The caller takes the capture while it holds the commit lock
// for the snapshot capture, so a release racing the checkpoint waits for
// the next cycle instead of outrunning the snapshot that still
// references its file.
func (cm *ClaimManager) CheckpointPending() map[string]record.ResourceClaim {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pending := cm.pending
	cm.pending = make(map[string]record.ResourceClaim)
	return pending
}

// Repark puts a captured pending set back after a failed checkpoint.
func (cm *ClaimManager) Repark(pending map[string]record.ResourceClaim) {
	cm.mu.Lock()
	for key, rc := range pending {
		cm.pending[key] = rc
	}
	cm.mu.Unlock()
}

// ConfirmReleased promotes a captured pending set once the snapshot is
// durable: every claim whose count reached zero becomes eligible for
// cleanup. Claims re-claimed in the meantime just drop out, and claims
// released again after the capture stay parked for the next cycle.
func (cm *ClaimManager) ConfirmReleased(pending map[string]record.ResourceClaim) {
	cm.mu.Lock()
	var ready []record.ResourceClaim
	for key, rc := range pending {
		if _, again := cm.pending[key]; again {
			continue
		}
		if cm.counts[key] <= 0 {
			delete(cm.counts, key)
			delete(cm.rcs, key)
			ready = append(ready, rc)
		}
	}
	cm.mu.Unlock()
	for _, rc := range ready {
		cm.offer(rc)
	}
}

// Unreferenced reports whether the claim has no outstanding references.
// Cleanup rechecks right before touching the file: an aborted
// transaction can queue a resource file that a later committed append
// re-claims.
func (cm *ClaimManager) Unreferenced(rc record.ResourceClaim) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.counts[rc.Key()] <= 0
}

func (cm *ClaimManager) offer(rc record.ResourceClaim) {
	select {
	case cm.eligible <- rc:
	default:
		// queue full; the claim stays dropped from the counts and a
		// later rescan of orphaned files may pick the file up, losing
		// the claim here only delays cleanup
	}
}

// Eligible is consumed by the content store's background cleanup.
func (cm *ClaimManager) Eligible() <-chan record.ResourceClaim {
	return cm.eligible
}
