package dtn

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrCustodyFull      = errors.New("custody capacity reached")
	ErrAlreadyCustody   = errors.New("already holding custody")
	ErrNotInCustody     = errors.New("bundle not in custody")
	ErrOfferOutstanding = errors.New("custody offer already outstanding")
)

// CustodyRecord tracks one bundle this node holds custody of.
type CustodyRecord struct {
	BundleID     BundleID
	AcceptedAt   time.Time
	AcceptedFrom PeerID
	Destination  PeerID
	ExpiresAt    time.Time
	// TransferAttempts counts refused or timed-out handoff offers.
	TransferAttempts int
}

// pendingOffer is an outstanding custody offer awaiting a response.
type pendingOffer struct {
	bundleID  BundleID
	offeredTo PeerID
	offeredAt time.Time
}

// OfferResult reports how an outstanding offer resolved.
type OfferResult struct {
	BundleID BundleID
	Peer     PeerID
	Accepted bool
	// Attempts is the updated transfer attempt count after a refusal.
	Attempts int
}

// CustodyManager tracks custody records and outstanding transfer offers.
// A bundle has at most one custodian at a time: custody is released here
// only after the downstream peer explicitly accepts, so a lost offer
// leaves responsibility with the current holder.
type CustodyManager struct {
	mu             sync.Mutex
	capacity       int
	offerTimeout   time.Duration
	rejectCooldown time.Duration

	records map[BundleID]*CustodyRecord
	pending map[BundleID]*pendingOffer
	// rejections remembers (bundle, peer) refusals so the same peer is
	// not re-offered the same bundle until the cooldown passes.
	rejections map[BundleID]map[PeerID]time.Time
}

// NewCustodyManager creates a manager holding at most capacity records.
func NewCustodyManager(capacity int, offerTimeout, rejectCooldown time.Duration) *CustodyManager {
	if capacity <= 0 {
		capacity = DefaultPerPeerQuotaCount
	}
	if offerTimeout <= 0 {
		offerTimeout = DefaultCustodyOfferTimeout
	}
	if rejectCooldown <= 0 {
		rejectCooldown = DefaultRejectCooldown
	}
	return &CustodyManager{
		capacity:       capacity,
		offerTimeout:   offerTimeout,
		rejectCooldown: rejectCooldown,
		records:        make(map[BundleID]*CustodyRecord),
		pending:        make(map[BundleID]*pendingOffer),
		rejections:     make(map[BundleID]map[PeerID]time.Time),
	}
}

// Accept takes custody of a bundle. from is empty when this node is the
// bundle's source. Fails when at capacity or already holding custody.
func (m *CustodyManager) Accept(b *Bundle, from PeerID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[b.ID]; ok {
		return ErrAlreadyCustody
	}
	if len(m.records) >= m.capacity {
		return ErrCustodyFull
	}
	m.records[b.ID] = &CustodyRecord{
		BundleID:     b.ID,
		AcceptedAt:   now,
		AcceptedFrom: from,
		Destination:  b.Destination,
		ExpiresAt:    b.ExpiresAt(),
	}
	return nil
}

// CanAccept reports whether Accept would succeed, without mutating state.
func (m *CustodyManager) CanAccept(id BundleID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; ok {
		return false
	}
	return len(m.records) < m.capacity
}

// Offer records an outstanding custody offer to a peer. Re-offering the
// same bundle while an offer is outstanding is rejected, which makes the
// offer path idempotent under retries.
func (m *CustodyManager) Offer(id BundleID, to PeerID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotInCustody
	}
	if _, ok := m.pending[id]; ok {
		return ErrOfferOutstanding
	}
	m.pending[id] = &pendingOffer{bundleID: id, offeredTo: to, offeredAt: now}
	return nil
}

// HandleResponse resolves an outstanding offer. On acceptance the local
// record is released and the peer becomes the custodian. On refusal the
// record stays, the attempt counter grows, and the refusing peer enters
// a cooldown for this bundle. Returns false when no offer was pending,
// which makes duplicate responses harmless.
func (m *CustodyManager) HandleResponse(id BundleID, accepted bool, now time.Time) (OfferResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.pending[id]
	if !ok {
		return OfferResult{}, false
	}
	delete(m.pending, id)

	if accepted {
		delete(m.records, id)
		delete(m.rejections, id)
		return OfferResult{BundleID: id, Peer: pending.offeredTo, Accepted: true}, true
	}

	attempts := 0
	if record, ok := m.records[id]; ok {
		record.TransferAttempts++
		attempts = record.TransferAttempts
	}
	if m.rejections[id] == nil {
		m.rejections[id] = make(map[PeerID]time.Time)
	}
	m.rejections[id][pending.offeredTo] = now
	return OfferResult{BundleID: id, Peer: pending.offeredTo, Accepted: false, Attempts: attempts}, true
}

// InCooldown reports whether a peer refused this bundle recently enough
// that it should not be offered again yet.
func (m *CustodyManager) InCooldown(id BundleID, peer PeerID, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rejectedAt, ok := m.rejections[id][peer]
	if !ok {
		return false
	}
	if now.Sub(rejectedAt) > m.rejectCooldown {
		delete(m.rejections[id], peer)
		return false
	}
	return true
}

// CheckOfferTimeouts expires offers older than the offer timeout,
// treating each as a refusal. Returns the resolved offers so the caller
// can retry with other peers.
func (m *CustodyManager) CheckOfferTimeouts(now time.Time) []OfferResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []OfferResult
	for id, pending := range m.pending {
		if now.Sub(pending.offeredAt) <= m.offerTimeout {
			continue
		}
		delete(m.pending, id)
		attempts := 0
		if record, ok := m.records[id]; ok {
			record.TransferAttempts++
			attempts = record.TransferAttempts
		}
		if m.rejections[id] == nil {
			m.rejections[id] = make(map[PeerID]time.Time)
		}
		m.rejections[id][pending.offeredTo] = now
		out = append(out, OfferResult{BundleID: id, Peer: pending.offeredTo, Accepted: false, Attempts: attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BundleID < out[j].BundleID })
	return out
}

// Has reports whether this node currently holds custody of the bundle.
func (m *CustodyManager) Has(id BundleID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// Record returns a copy of the custody record, if held.
func (m *CustodyManager) Record(id BundleID) (CustodyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return CustodyRecord{}, false
	}
	return *record, true
}

// Release drops custody without a handoff, used on delivery or expiry.
func (m *CustodyManager) Release(id BundleID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.pending, id)
	delete(m.rejections, id)
}

// Expired returns the IDs of custody records whose bundles have passed
// their lifetime.
func (m *CustodyManager) Expired(now time.Time) []BundleID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BundleID
	for id, record := range m.records {
		if !now.Before(record.ExpiresAt) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len is the number of custody records held.
func (m *CustodyManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
