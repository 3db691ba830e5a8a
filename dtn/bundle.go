package dtn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BundleID uniquely identifies a bundle across the mesh. It is assigned at
// creation and never changes, so receivers can deduplicate replicated
// copies by ID alone.
type BundleID string

func (id BundleID) String() string { return string(id) }

// NewBundleID returns a fresh bundle identifier.
func NewBundleID() BundleID {
	return BundleID("bnd_" + uuid.NewString())
}

// Bundle is the atomic unit of transport: an opaque payload plus the
// routing metadata the engine needs to deliver it. The router never
// inspects Payload.
type Bundle struct {
	ID          BundleID      `json:"id"`
	Source      PeerID        `json:"source"`
	Destination PeerID        `json:"destination"`
	Payload     []byte        `json:"payload"`
	Priority    Priority      `json:"priority"`
	CreatedAt   time.Time     `json:"created_at"`
	Lifetime    time.Duration `json:"lifetime"`
	// Custodian is the peer currently responsible for delivery, empty for
	// best-effort bundles.
	Custodian PeerID `json:"custodian,omitempty"`
	// HopHistory lists every peer the bundle has traversed, oldest first.
	// It prevents routing loops and addresses back-propagation.
	HopHistory []PeerID `json:"hop_history,omitempty"`
	// CopiesRemaining is the spray-and-wait copy budget. Zero means the
	// active strategy does not limit copies.
	CopiesRemaining int `json:"copies_remaining,omitempty"`
	// Confirmation marks bundles that carry a queued custody confirmation.
	// They are pinned against quota eviction.
	Confirmation bool `json:"confirmation,omitempty"`
}

// NewBundle creates a bundle from the local node with a fresh ID.
func NewBundle(source, destination PeerID, payload []byte, priority Priority, lifetime time.Duration, now time.Time) *Bundle {
	return &Bundle{
		ID:          NewBundleID(),
		Source:      source,
		Destination: destination,
		Payload:     payload,
		Priority:    priority,
		CreatedAt:   now.UTC(),
		Lifetime:    lifetime,
	}
}

// ExpiresAt is the absolute instant past which the bundle must be dropped.
func (b *Bundle) ExpiresAt() time.Time {
	return b.CreatedAt.Add(b.Lifetime)
}

// Expired reports whether the bundle's lifetime has elapsed.
func (b *Bundle) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt())
}

// Age returns how long the bundle has existed.
func (b *Bundle) Age(now time.Time) time.Duration {
	age := now.Sub(b.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Visited reports whether the bundle already traversed the given peer.
func (b *Bundle) Visited(peer PeerID) bool {
	for _, hop := range b.HopHistory {
		if hop == peer {
			return true
		}
	}
	return false
}

// RecordHop appends a peer to the hop history. Appending the same peer
// twice in a row is collapsed so retries do not inflate the history.
func (b *Bundle) RecordHop(peer PeerID) {
	if n := len(b.HopHistory); n > 0 && b.HopHistory[n-1] == peer {
		return
	}
	b.HopHistory = append(b.HopHistory, peer)
}

// HopCount is the number of distinct hops recorded so far.
func (b *Bundle) HopCount() int {
	return len(b.HopHistory)
}

// SplitCopies halves the spray budget for a relay handoff: the relay
// receives floor(n/2) copies and the holder keeps the rest, each side
// keeping at least one. It returns the relay's share and reports whether
// a split happened.
func (b *Bundle) SplitCopies() (int, bool) {
	if b.CopiesRemaining <= 1 {
		return 0, false
	}
	give := b.CopiesRemaining / 2
	b.CopiesRemaining -= give
	return give, true
}

// Size is the byte footprint charged against quota.
func (b *Bundle) Size() int64 {
	return int64(len(b.Payload))
}

// Clone returns a deep copy, used when replicating a bundle to several
// relays under epidemic routing.
func (b *Bundle) Clone() *Bundle {
	dup := *b
	dup.Payload = append([]byte(nil), b.Payload...)
	dup.HopHistory = append([]PeerID(nil), b.HopHistory...)
	return &dup
}

// wireBundle is the JSON envelope form of a bundle. Payload travels
// base64-encoded, lifetime in milliseconds.
type wireBundle struct {
	ID              string   `json:"id"`
	Source          string   `json:"source"`
	Destination     string   `json:"destination"`
	PayloadBase64   string   `json:"payload_base64"`
	Priority        int      `json:"priority"`
	CreatedAtMillis int64    `json:"created_at_ms"`
	LifetimeMillis  int64    `json:"lifetime_ms"`
	Custodian       string   `json:"custodian,omitempty"`
	HopHistory      []string `json:"hop_history,omitempty"`
	CopiesRemaining int      `json:"copies_remaining,omitempty"`
	Confirmation    bool     `json:"confirmation,omitempty"`
}

// Confirmation carries a delivery or custody acknowledgment backward along
// the relay path. PathRemaining holds the upstream hops that still need to
// see it, nearest upstream last.
type Confirmation struct {
	BundleID       BundleID       `json:"bundle_id"`
	ConfirmingPeer PeerID         `json:"confirming_peer"`
	Outcome        ConfirmOutcome `json:"outcome"`
	PathRemaining  []PeerID       `json:"path_remaining,omitempty"`
}

// NextUpstream returns the peer the confirmation should be sent to next,
// or false once the path is exhausted.
func (c *Confirmation) NextUpstream() (PeerID, bool) {
	if len(c.PathRemaining) == 0 {
		return "", false
	}
	return c.PathRemaining[len(c.PathRemaining)-1], true
}

// Pop removes the nearest upstream hop after it has been served.
func (c *Confirmation) Pop() {
	if len(c.PathRemaining) > 0 {
		c.PathRemaining = c.PathRemaining[:len(c.PathRemaining)-1]
	}
}

const (
	envelopeBundle        = "bundle"
	envelopeCustodyAccept = "custody_accept"
	envelopeCustodyReject = "custody_reject"
	envelopeConfirmation  = "confirmation"
	envelopeAnnounce      = "announce"
)

// envelope is the single wire frame exchanged between peers. Exactly one
// of the optional fields is set, selected by Type.
type envelope struct {
	Type   string      `json:"type"`
	Bundle *wireBundle `json:"bundle,omitempty"`
	// Custody marks a bundle frame that doubles as a custody offer. The
	// receiver must answer with a custody_accept or custody_reject frame.
	Custody      bool          `json:"custody,omitempty"`
	BundleID     string        `json:"bundle_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
	// Reachable carries a peer announcement: the sender's currently
	// connected peers, used by mutual peer tracking.
	Reachable []string `json:"reachable,omitempty"`
}

func encodeBundle(b *Bundle) *wireBundle {
	hops := make([]string, 0, len(b.HopHistory))
	for _, hop := range b.HopHistory {
		hops = append(hops, string(hop))
	}
	return &wireBundle{
		ID:              string(b.ID),
		Source:          string(b.Source),
		Destination:     string(b.Destination),
		PayloadBase64:   base64.RawURLEncoding.EncodeToString(b.Payload),
		Priority:        int(b.Priority),
		CreatedAtMillis: b.CreatedAt.UnixMilli(),
		LifetimeMillis:  b.Lifetime.Milliseconds(),
		Custodian:       string(b.Custodian),
		HopHistory:      hops,
		CopiesRemaining: b.CopiesRemaining,
		Confirmation:    b.Confirmation,
	}
}

func decodeBundle(w *wireBundle) (*Bundle, error) {
	if w == nil {
		return nil, fmt.Errorf("missing bundle body")
	}
	if strings.TrimSpace(w.ID) == "" {
		return nil, fmt.Errorf("bundle id is required")
	}
	if strings.TrimSpace(w.Destination) == "" {
		return nil, fmt.Errorf("bundle destination is required")
	}
	if w.LifetimeMillis <= 0 {
		return nil, fmt.Errorf("bundle lifetime must be positive")
	}
	payload, err := base64.RawURLEncoding.DecodeString(w.PayloadBase64)
	if err != nil {
		return nil, fmt.Errorf("decode bundle payload: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("bundle payload exceeds %d bytes", MaxPayloadBytes)
	}
	if w.Priority < int(PriorityLow) || w.Priority > int(PriorityCritical) {
		return nil, fmt.Errorf("bundle priority out of range: %d", w.Priority)
	}
	hops := make([]PeerID, 0, len(w.HopHistory))
	for _, hop := range w.HopHistory {
		hops = append(hops, PeerID(hop))
	}
	return &Bundle{
		ID:              BundleID(w.ID),
		Source:          PeerID(w.Source),
		Destination:     PeerID(w.Destination),
		Payload:         payload,
		Priority:        Priority(w.Priority),
		CreatedAt:       time.UnixMilli(w.CreatedAtMillis).UTC(),
		Lifetime:        time.Duration(w.LifetimeMillis) * time.Millisecond,
		Custodian:       PeerID(w.Custodian),
		HopHistory:      hops,
		CopiesRemaining: w.CopiesRemaining,
		Confirmation:    w.Confirmation,
	}, nil
}

func marshalEnvelope(env *envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("envelope exceeds %d bytes", MaxEnvelopeBytes)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty envelope")
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("envelope exceeds %d bytes", MaxEnvelopeBytes)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("envelope type is required")
	}
	return &env, nil
}
