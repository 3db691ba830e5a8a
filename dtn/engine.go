package dtn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrEngineClosed    = errors.New("engine closed")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Inbound is one received frame, tagged with the sending peer.
type Inbound struct {
	From PeerID
	Data []byte
}

// PeerEventKind distinguishes connect from disconnect notifications.
type PeerEventKind int

const (
	PeerConnected PeerEventKind = iota
	PeerDisconnected
)

// PeerEvent notifies the engine of a connectivity change.
type PeerEvent struct {
	Kind PeerEventKind
	Peer PeerID
}

// Transport moves frames between peers. The libp2p node implements it
// in production; tests use an in-memory mesh. Send must be safe for
// concurrent use and should fail fast when the peer is unreachable.
type Transport interface {
	Connectivity
	Send(ctx context.Context, to PeerID, data []byte) error
	Receive() <-chan Inbound
	Events() <-chan PeerEvent
}

// EngineOptions configures NewEngine beyond the Config surface. All
// fields are optional.
type EngineOptions struct {
	// Spool persists held bundles across restarts.
	Spool Spool
	// Selector overrides the fixed per-config strategy with rule-based
	// selection.
	Selector *StrategySelector
	Logger   *slog.Logger
	// Clock substitutes the time source in tests.
	Clock func() time.Time
	// OnDeliver receives payloads addressed to this node.
	OnDeliver func(b *Bundle)
	// OnDelivered fires when a confirmation for a locally submitted
	// bundle arrives.
	OnDelivered func(ev DeliveryEvent)
	// OnDrop fires when a bundle is dropped locally.
	OnDrop func(ev DropEvent)
}

// Engine is the store-and-forward core of one node. It owns the quota
// store, custody state, topology trackers, and the routing loop, and
// drives them from the transport's receive and event channels plus a
// periodic lifecycle sweep.
//
// All work on a given bundle is serialized through per-bundle keyed
// locks, so two concurrent relay attempts for the same bundle cannot
// both hand off custody, and an eviction cannot race a confirmation.
type Engine struct {
	local     PeerID
	cfg       Config
	transport Transport
	store     *QuotaStore
	custody   *CustodyManager
	tracker   *MutualPeerTracker
	cache     *RouteCache
	router    *Router
	backprop  *BackPropagator
	sweeper   *Sweeper
	locks     keyedLocks
	logger    *slog.Logger
	clock     func() time.Time

	onDeliver   func(*Bundle)
	onDelivered func(DeliveryEvent)
	onDrop      func(DropEvent)

	seenMu sync.Mutex
	seen   map[BundleID]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// NewEngine builds an engine for the local peer on top of a transport.
func NewEngine(local PeerID, cfg Config, transport Transport, opts EngineOptions) (*Engine, error) {
	if local == "" {
		return nil, fmt.Errorf("local peer id is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	cfg = normalizeConfig(cfg)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock()

	store := NewQuotaStore(cfg, opts.Spool)
	custody := NewCustodyManager(cfg.GlobalQuotaCount, cfg.CustodyOfferTimeout, cfg.RejectCooldown)
	tracker := NewMutualPeerTracker(local, cfg.ConfidenceDecay, cfg.SeenTimeout, now)
	cache, err := NewRouteCache(cfg.RouteCacheSize, cfg.RouteCacheTTL)
	if err != nil {
		return nil, err
	}
	router := NewRouter(local, cfg, tracker, cache, custody, RouterOptions{
		Selector: opts.Selector,
		Logger:   logger,
	})

	e := &Engine{
		local:       local,
		cfg:         cfg,
		transport:   transport,
		store:       store,
		custody:     custody,
		tracker:     tracker,
		cache:       cache,
		router:      router,
		backprop:    NewBackPropagator(local, cfg.MaxLifetime),
		sweeper:     NewSweeper(store, cfg.DemotionThresholds),
		logger:      logger.With("peer_id", string(local)),
		clock:       clock,
		onDeliver:   opts.OnDeliver,
		onDelivered: opts.OnDelivered,
		onDrop:      opts.OnDrop,
		seen:        make(map[BundleID]time.Time),
	}

	restored, err := store.Restore(now)
	if err != nil {
		return nil, fmt.Errorf("restore spool: %w", err)
	}
	if restored > 0 {
		e.logger.Info("restored spooled bundles", "count", restored)
		for _, b := range store.All() {
			if b.Custodian == local {
				_ = custody.Accept(b, "", now)
			}
		}
	}
	return e, nil
}

// Start launches the receive, event, and sweep loops. It is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.wg.Add(3)
		go e.receiveLoop()
		go e.eventLoop()
		go e.sweepLoop()
	})
}

// Close stops the loops and waits for them to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

// LocalPeer returns this node's peer ID.
func (e *Engine) LocalPeer() PeerID { return e.local }

// baseCtx is the engine context once started, Background before that so
// tests can drive the engine synchronously.
func (e *Engine) baseCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// Submit accepts a payload for delivery. The bundle enters the quota
// store immediately, this node takes custody of it, and a routing pass
// runs in line. Lifetime zero uses the configured default, and lifetimes
// above the maximum are clamped.
func (e *Engine) Submit(ctx context.Context, dest PeerID, payload []byte, priority Priority, lifetime time.Duration) (BundleID, error) {
	if e.ctx != nil && e.ctx.Err() != nil {
		return "", ErrEngineClosed
	}
	if dest == "" {
		return "", fmt.Errorf("destination is required")
	}
	if len(payload) > MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if lifetime <= 0 {
		lifetime = e.cfg.DefaultLifetime
	}
	if lifetime > e.cfg.MaxLifetime {
		lifetime = e.cfg.MaxLifetime
	}

	now := e.clock()
	b := NewBundle(e.local, dest, payload, priority, lifetime, now)
	b.Custodian = e.local
	b.RecordHop(e.local)
	if e.cfg.Strategy == StrategySprayAndWait {
		b.CopiesRemaining = e.cfg.SprayInitialCopies
	}

	unlock := e.locks.Lock(b.ID)
	defer unlock()

	if err := e.insertStored(b, now); err != nil {
		return "", fmt.Errorf("submit bundle: %w", err)
	}
	if err := e.custody.Accept(b, "", now); err != nil && !errors.Is(err, ErrAlreadyCustody) {
		e.logger.Warn("custody accept on submit failed", "bundle_id", string(b.ID), "err", err)
	}
	e.backprop.Await(b.ID, now)
	e.markSeen(b.ID, now)

	e.logger.Info("bundle submitted",
		"bundle_id", string(b.ID),
		"destination", string(dest),
		"priority", priority.String(),
		"bytes", len(payload))

	e.routeLocked(ctx, b, now)
	return b.ID, nil
}

// RoutePending re-runs the decision engine over every held bundle,
// highest priority first. Called on connectivity changes and each sweep.
func (e *Engine) RoutePending(ctx context.Context) {
	bundles := e.store.All()
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].Priority != bundles[j].Priority {
			return bundles[i].Priority > bundles[j].Priority
		}
		return bundles[i].CreatedAt.Before(bundles[j].CreatedAt)
	})
	for _, b := range bundles {
		if ctx.Err() != nil {
			return
		}
		e.routeBundle(ctx, b.ID)
	}
}

// routeBundle locks the bundle and routes the current stored copy.
func (e *Engine) routeBundle(ctx context.Context, id BundleID) {
	unlock := e.locks.Lock(id)
	defer unlock()
	b, ok := e.store.Get(id)
	if !ok {
		return
	}
	e.routeLocked(ctx, b, e.clock())
}

// routeLocked executes one decision for a bundle the caller holds the
// per-bundle lock for.
func (e *Engine) routeLocked(ctx context.Context, b *Bundle, now time.Time) {
	// A bundle escalated to spray-and-wait by the selector rules was not
	// seeded at submit time; give it its copy budget before deciding, or
	// the router would hold it forever.
	if b.CopiesRemaining == 0 && e.router.StrategyFor(b, e.transport, now) == StrategySprayAndWait {
		b.CopiesRemaining = e.cfg.SprayInitialCopies
		e.store.Save(b.ID)
	}
	decision := e.router.Decide(b, e.transport, now)
	switch decision.Kind {
	case DecisionDirect:
		e.sendDirect(ctx, b, now)
	case DecisionRelay:
		e.sendRelays(ctx, b, decision.Relays, now)
	case DecisionHold:
		// Already spooled. Nothing to do until connectivity changes.
	case DecisionDrop:
		e.dropLocked(b, decision.Reason, now)
	}
}

func (e *Engine) sendDirect(ctx context.Context, b *Bundle, now time.Time) {
	out := b.Clone()
	out.RecordHop(b.Destination)
	env := &envelope{Type: envelopeBundle, Bundle: encodeBundle(out)}
	if err := e.send(ctx, b.Destination, env); err != nil {
		// Transient: the bundle stays spooled and is retried next pass.
		e.logger.Warn("direct send failed", "bundle_id", string(b.ID), "destination", string(b.Destination), "err", err)
		return
	}
	// The destination's confirmation releases storage and custody.
	e.commitHop(b, b.Destination)
	e.logger.Info("bundle sent direct", "bundle_id", string(b.ID), "destination", string(b.Destination))
}

func (e *Engine) sendRelays(ctx context.Context, b *Bundle, relays []PeerID, now time.Time) {
	strategy := e.router.StrategyFor(b, e.transport, now)
	for _, relay := range relays {
		out := b.Clone()
		out.RecordHop(relay)
		withCustody := strategy != StrategyEpidemic
		if strategy == StrategySprayAndWait {
			stored, _ := e.store.Get(b.ID)
			if stored == nil {
				return
			}
			give, ok := stored.SplitCopies()
			if !ok {
				return
			}
			out.CopiesRemaining = give
			e.store.Save(stored.ID)
		}
		if withCustody {
			out.Custodian = relay
		}
		env := &envelope{Type: envelopeBundle, Bundle: encodeBundle(out), Custody: withCustody}
		if err := e.send(ctx, relay, env); err != nil {
			e.logger.Warn("relay send failed", "bundle_id", string(b.ID), "relay", string(relay), "err", err)
			e.tracker.ObserveRelayOutcome(relay, false, now)
			e.cache.RecordOutcome(b.Destination, relay, false, now)
			continue
		}
		e.commitHop(b, relay)
		if withCustody {
			if err := e.custody.Offer(b.ID, relay, now); err != nil && !errors.Is(err, ErrOfferOutstanding) {
				e.logger.Warn("custody offer tracking failed", "bundle_id", string(b.ID), "err", err)
			}
		}
		e.logger.Info("bundle relayed",
			"bundle_id", string(b.ID),
			"relay", string(relay),
			"strategy", strategy.String(),
			"custody", withCustody)
	}
}

// commitHop records a successful handoff target on the stored copy so
// the hop is persisted and future decisions exclude the peer.
func (e *Engine) commitHop(b *Bundle, peer PeerID) {
	if stored, ok := e.store.Get(b.ID); ok {
		stored.RecordHop(peer)
		e.store.Save(stored.ID)
	}
	b.RecordHop(peer)
}

// dropLocked discards a bundle and emits the drop event.
func (e *Engine) dropLocked(b *Bundle, reason DropReason, now time.Time) {
	e.store.Release(b.ID)
	e.custody.Release(b.ID)
	e.logger.Info("bundle dropped", "bundle_id", string(b.ID), "reason", string(reason))
	if e.onDrop != nil {
		e.onDrop(DropEvent{BundleID: b.ID, Reason: reason, At: now})
	}
}

func (e *Engine) send(ctx context.Context, to PeerID, env *envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	return e.transport.Send(ctx, to, data)
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case in, ok := <-e.transport.Receive():
			if !ok {
				return
			}
			e.handleFrame(in)
		}
	}
}

func (e *Engine) handleFrame(in Inbound) {
	env, err := unmarshalEnvelope(in.Data)
	if err != nil {
		e.logger.Warn("rejecting malformed frame", "from", string(in.From), "err", err)
		return
	}
	now := e.clock()
	e.tracker.Encounter(in.From, now)

	switch env.Type {
	case envelopeBundle:
		e.handleBundle(in.From, env, now)
	case envelopeCustodyAccept:
		e.handleCustodyResponse(in.From, BundleID(env.BundleID), true, now)
	case envelopeCustodyReject:
		e.handleCustodyResponse(in.From, BundleID(env.BundleID), false, now)
	case envelopeConfirmation:
		if env.Confirmation == nil {
			e.logger.Warn("confirmation frame without body", "from", string(in.From))
			return
		}
		e.handleConfirmation(env.Confirmation, now)
	case envelopeAnnounce:
		reachable := make([]PeerID, 0, len(env.Reachable))
		for _, p := range env.Reachable {
			reachable = append(reachable, PeerID(p))
		}
		e.tracker.ObserveAnnouncement(in.From, reachable, now)
		// The announcement may have made a held bundle routable.
		e.RoutePending(e.baseCtx())
	default:
		e.logger.Warn("rejecting frame with unknown type", "from", string(in.From), "type", env.Type)
	}
}

func (e *Engine) handleBundle(from PeerID, env *envelope, now time.Time) {
	b, err := decodeBundle(env.Bundle)
	if err != nil {
		e.logger.Warn("rejecting malformed bundle", "from", string(from), "err", err)
		return
	}

	// A delivered spooled confirmation is applied only after the wrapper
	// bundle's lock is released: the confirmed bundle's ID can land on the
	// same lock shard as the wrapper's, and the shard mutex is not
	// reentrant.
	if unwrapped := e.acceptBundle(from, env, b, now); unwrapped != nil {
		e.handleConfirmation(unwrapped, now)
	}
}

func (e *Engine) acceptBundle(from PeerID, env *envelope, b *Bundle, now time.Time) *Confirmation {
	unlock := e.locks.Lock(b.ID)
	defer unlock()

	// Receivers deduplicate replicated copies by ID. A duplicate custody
	// offer for a bundle we already hold custody of is re-acknowledged so
	// lost accept frames cannot strand upstream custody.
	if e.seenRecently(b.ID, now) && !e.store.Has(b.ID) {
		if env.Custody {
			e.replyCustody(from, b.ID, e.custody.Has(b.ID), "duplicate")
		}
		return nil
	}
	if e.store.Has(b.ID) {
		if env.Custody {
			e.replyCustody(from, b.ID, e.custody.Has(b.ID), "duplicate")
		}
		return nil
	}
	e.markSeen(b.ID, now)

	if b.Expired(now) {
		if env.Custody {
			e.replyCustody(from, b.ID, false, "expired")
		}
		return nil
	}

	if b.Destination == e.local {
		return e.deliverLocal(from, b, now)
	}

	// Relay path: spool the bundle, then answer the custody offer.
	if err := e.insertStored(b, now); err != nil {
		e.logger.Warn("cannot store relayed bundle", "bundle_id", string(b.ID), "err", err)
		if env.Custody {
			e.replyCustody(from, b.ID, false, "quota")
		}
		return nil
	}
	if env.Custody {
		if err := e.custody.Accept(b, from, now); err != nil {
			e.store.Release(b.ID)
			e.replyCustody(from, b.ID, false, "custody_full")
			return nil
		}
		e.replyCustody(from, b.ID, true, "")
		e.propagateConfirmation(b, from, OutcomeCustodyAccepted, now)
	}
	e.logger.Info("bundle accepted for relay",
		"bundle_id", string(b.ID),
		"from", string(from),
		"destination", string(b.Destination),
		"custody", env.Custody)

	e.routeLocked(e.baseCtx(), b, now)
	return nil
}

// deliverLocal hands a terminal bundle to the application and starts
// the delivery confirmation backward along the path. For a spooled
// confirmation it returns the unwrapped confirmation instead, which the
// caller applies once the wrapper's lock is released.
func (e *Engine) deliverLocal(from PeerID, b *Bundle, now time.Time) *Confirmation {
	e.store.Release(b.ID)
	e.custody.Release(b.ID)

	if b.Confirmation {
		env, err := unmarshalEnvelope(b.Payload)
		if err != nil || env.Confirmation == nil {
			e.logger.Warn("discarding malformed spooled confirmation", "bundle_id", string(b.ID), "err", err)
			return nil
		}
		return env.Confirmation
	}

	e.logger.Info("bundle delivered", "bundle_id", string(b.ID), "source", string(b.Source))
	if e.onDeliver != nil {
		e.onDeliver(b)
	}
	e.propagateConfirmation(b, "", OutcomeDelivered, now)
	return nil
}

// propagateConfirmation builds the confirmation for a bundle this node
// just delivered or accepted custody of, applies it locally, and sends
// it to the nearest upstream hop. skip is removed from the path when the
// immediate sender already learns the outcome from a custody frame.
func (e *Engine) propagateConfirmation(b *Bundle, skip PeerID, outcome ConfirmOutcome, now time.Time) {
	c := BuildConfirmation(b, e.local, outcome)
	if skip != "" {
		if next, ok := c.NextUpstream(); ok && next == skip {
			c.Pop()
		}
	}
	e.backprop.Apply(c, now)
	e.forwardConfirmation(c, now)
}

// handleConfirmation applies a confirmation addressed to this node and
// keeps it moving upstream.
func (e *Engine) handleConfirmation(c *Confirmation, now time.Time) {
	id := c.BundleID
	unlock := e.locks.Lock(id)
	defer unlock()

	awaited := e.backprop.Awaiting(id)
	if !e.backprop.Apply(c, now) {
		return
	}
	e.store.Release(id)
	e.custody.Release(id)

	if awaited {
		e.logger.Info("delivery confirmed",
			"bundle_id", string(id),
			"outcome", string(c.Outcome),
			"confirming_peer", string(c.ConfirmingPeer))
		if e.onDelivered != nil {
			e.onDelivered(DeliveryEvent{
				BundleID:       id,
				ConfirmingPeer: c.ConfirmingPeer,
				Outcome:        c.Outcome,
				At:             now,
			})
		}
	}

	// This node is the hop the sender addressed: pop it, then pass the
	// confirmation along.
	if next, ok := c.NextUpstream(); ok && next == e.local {
		c.Pop()
	}
	e.forwardConfirmation(c, now)
}

// forwardConfirmation sends a confirmation to its next upstream hop, or
// spools it as a pinned low-priority bundle when the hop is unreachable.
// The fallback is symmetric with ordinary store-and-forward: the queued
// confirmation is drained like any other held bundle.
func (e *Engine) forwardConfirmation(c *Confirmation, now time.Time) {
	next, ok := c.NextUpstream()
	if !ok {
		return
	}
	env := &envelope{Type: envelopeConfirmation, Confirmation: c}
	if e.transport.IsConnected(next) {
		if err := e.send(e.baseCtx(), next, env); err == nil {
			return
		}
		e.logger.Warn("confirmation send failed, spooling", "bundle_id", string(c.BundleID), "upstream", string(next))
	}

	payload, err := marshalEnvelope(env)
	if err != nil {
		e.logger.Warn("cannot spool confirmation", "bundle_id", string(c.BundleID), "err", err)
		return
	}
	queued := NewBundle(e.local, next, payload, PriorityLow, e.cfg.DefaultLifetime, now)
	queued.Confirmation = true
	queued.RecordHop(e.local)
	if err := e.insertStored(queued, now); err != nil {
		e.logger.Warn("cannot spool confirmation", "bundle_id", string(c.BundleID), "err", err)
	}
}

// insertStored spools a bundle and surfaces anything the quota store
// evicted to make room: each victim gets a quota_exceeded drop event and
// its custody record is released.
func (e *Engine) insertStored(b *Bundle, now time.Time) error {
	evicted, err := e.store.Insert(b, now)
	for _, victim := range evicted {
		e.custody.Release(victim.ID)
		e.logger.Info("bundle evicted", "bundle_id", string(victim.ID), "displaced_by", string(b.ID))
		if e.onDrop != nil {
			e.onDrop(DropEvent{BundleID: victim.ID, Reason: DropQuotaExceeded, At: now})
		}
	}
	return err
}

func (e *Engine) replyCustody(to PeerID, id BundleID, accept bool, reason string) {
	env := &envelope{BundleID: string(id)}
	if accept {
		env.Type = envelopeCustodyAccept
	} else {
		env.Type = envelopeCustodyReject
		env.Reason = reason
	}
	if err := e.send(e.baseCtx(), to, env); err != nil {
		e.logger.Warn("custody reply failed", "bundle_id", string(id), "to", string(to), "err", err)
	}
}

// handleCustodyResponse resolves an outstanding offer. Acceptance moves
// custody downstream and releases local storage for single-copy
// strategies; refusal starts the peer's cooldown and re-routes.
func (e *Engine) handleCustodyResponse(from PeerID, id BundleID, accepted bool, now time.Time) {
	unlock := e.locks.Lock(id)
	defer unlock()

	result, ok := e.custody.HandleResponse(id, accepted, now)
	if !ok || result.Peer != from {
		return
	}
	b, stored := e.store.Get(id)
	dest := PeerID("")
	if stored {
		dest = b.Destination
	}

	if accepted {
		e.tracker.ObserveRelayOutcome(from, true, now)
		if dest != "" {
			e.cache.RecordOutcome(dest, from, true, now)
		}
		// The replication question follows the strategy the bundle was
		// routed under, not the configured default: an escalated
		// spray-and-wait bundle keeps its local share of the copy budget.
		if stored && !e.router.StrategyFor(b, e.transport, now).replicates() {
			e.store.Release(id)
		}
		e.logger.Info("custody transferred", "bundle_id", string(id), "custodian", string(from))
		return
	}

	e.tracker.ObserveRelayOutcome(from, false, now)
	if dest != "" {
		e.cache.RecordOutcome(dest, from, false, now)
	}
	// Retake custody locally and retry with the rejecting peer excluded
	// by its cooldown.
	if stored {
		if err := e.custody.Accept(b, "", now); err != nil && !errors.Is(err, ErrAlreadyCustody) {
			e.logger.Warn("custody retake failed", "bundle_id", string(id), "err", err)
		}
		e.logger.Info("custody rejected, rerouting", "bundle_id", string(id), "peer", string(from))
		e.routeLocked(e.baseCtx(), b, now)
	}
}

func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.transport.Events():
			if !ok {
				return
			}
			e.handlePeerEvent(ev)
		}
	}
}

func (e *Engine) handlePeerEvent(ev PeerEvent) {
	now := e.clock()
	switch ev.Kind {
	case PeerConnected:
		e.tracker.Encounter(ev.Peer, now)
		e.sendAnnounce(ev.Peer)
		// A new contact is a routing opportunity for everything held.
		e.RoutePending(e.baseCtx())
	case PeerDisconnected:
		e.tracker.Forget(ev.Peer)
	}
}

// sendAnnounce shares this node's connected peer set so the other side
// can track mutual reachability.
func (e *Engine) sendAnnounce(to PeerID) {
	peers := e.transport.ConnectedPeers()
	reachable := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == to {
			continue
		}
		reachable = append(reachable, string(p))
	}
	env := &envelope{Type: envelopeAnnounce, Reachable: reachable}
	if err := e.send(e.baseCtx(), to, env); err != nil {
		e.logger.Warn("announce failed", "to", string(to), "err", err)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep runs one lifecycle pass: expiry, demotion, custody offer
// timeouts, confidence aging, and a retry pass over held bundles.
func (e *Engine) Sweep() {
	now := e.clock()

	result := e.sweeper.Sweep(now)
	for _, id := range result.Expired {
		e.custody.Release(id)
		e.logger.Info("bundle expired", "bundle_id", string(id))
		if e.onDrop != nil {
			e.onDrop(DropEvent{BundleID: id, Reason: DropExpiredTTL, At: now})
		}
	}
	for _, d := range result.Demoted {
		e.logger.Info("bundle demoted",
			"bundle_id", string(d.BundleID),
			"from", d.From.String(),
			"to", d.To.String())
	}

	for _, timedOut := range e.custody.CheckOfferTimeouts(now) {
		e.tracker.ObserveRelayOutcome(timedOut.Peer, false, now)
		e.logger.Info("custody offer timed out", "bundle_id", string(timedOut.BundleID), "peer", string(timedOut.Peer))
		e.routeBundle(e.baseCtx(), timedOut.BundleID)
	}

	for _, id := range e.custody.Expired(now) {
		e.custody.Release(id)
	}

	e.tracker.Age(now)
	e.backprop.Cleanup(now)
	e.pruneSeen(now)
	e.RoutePending(e.baseCtx())
}

// Stats reports a snapshot of engine state for the status surface.
type Stats struct {
	Local        PeerID `json:"local"`
	HeldBundles  int    `json:"held_bundles"`
	HeldBytes    int64  `json:"held_bytes"`
	CustodyCount int    `json:"custody_count"`
	KnownPeers   int    `json:"known_peers"`
	RouteEntries int    `json:"route_entries"`
}

// Stats returns a point-in-time snapshot.
func (e *Engine) Stats() Stats {
	usage := e.store.UsageFor(e.local)
	return Stats{
		Local:        e.local,
		HeldBundles:  e.store.Len(),
		HeldBytes:    usage.GlobalBytes,
		CustodyCount: e.custody.Len(),
		KnownPeers:   len(e.tracker.KnownPeers()),
		RouteEntries: e.cache.Len(),
	}
}

func (e *Engine) markSeen(id BundleID, now time.Time) {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	e.seen[id] = now
}

func (e *Engine) seenRecently(id BundleID, now time.Time) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	at, ok := e.seen[id]
	if !ok {
		return false
	}
	if now.Sub(at) > e.cfg.SeenTimeout {
		delete(e.seen, id)
		return false
	}
	return true
}

func (e *Engine) pruneSeen(now time.Time) {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	for id, at := range e.seen {
		if now.Sub(at) > e.cfg.SeenTimeout {
			delete(e.seen, id)
		}
	}
}
