package dtn

import (
	"time"
)

const (
	ProtocolBundleIDV1 = "/driftmesh/bundle/1.0.0"

	DefaultBundleLifetime       = 1 * time.Hour
	DefaultMaxBundleLifetime    = 7 * 24 * time.Hour
	DefaultMaxHopCount          = 8
	DefaultSprayInitialCopies   = 4
	DefaultPerPeerQuotaBytes    = 4 * 1024 * 1024
	DefaultPerPeerQuotaCount    = 1000
	DefaultGlobalQuotaBytes     = 64 * 1024 * 1024
	DefaultGlobalQuotaCount     = 100000
	DefaultReservedConfirmBytes = 1 * 1024 * 1024
	DefaultCustodyOfferTimeout  = 30 * time.Second
	DefaultRejectCooldown       = 2 * time.Minute
	DefaultRouteCacheTTL        = 5 * time.Minute
	DefaultRouteCacheSize       = 4096
	DefaultSweepInterval        = 1 * time.Minute
	DefaultConfidenceDecay      = 1 * time.Hour
	DefaultSeenTimeout          = 1 * time.Hour
	MaxEnvelopeBytes            = 512 * 1024
	MaxPayloadBytes             = 256 * 1024
)

// PeerID identifies a peer. It is opaque to the router: only equality and
// ordering are assumed. Simulation tests use single letters, production
// nodes use libp2p peer ID strings.
type PeerID string

func (p PeerID) String() string { return string(p) }

// Priority orders bundles for forwarding and eviction. Higher values are
// forwarded first and evicted last.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Demote returns the priority one tier lower, never below PriorityLow.
func (p Priority) Demote() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

// ParsePriority maps a config string to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// DropReason explains why a bundle was dropped.
type DropReason string

const (
	DropExpiredTTL    DropReason = "expired_ttl"
	DropQuotaExceeded DropReason = "quota_exceeded"
	DropNoRoute       DropReason = "no_route"
)

// ConfirmOutcome distinguishes final delivery from downstream custody
// acceptance in a back-propagated confirmation.
type ConfirmOutcome string

const (
	OutcomeDelivered       ConfirmOutcome = "delivered"
	OutcomeCustodyAccepted ConfirmOutcome = "custody_accepted"
)

// DeliveryEvent is emitted when a confirmation for a locally submitted
// bundle arrives.
type DeliveryEvent struct {
	BundleID       BundleID
	ConfirmingPeer PeerID
	Outcome        ConfirmOutcome
	At             time.Time
}

// DropEvent is emitted when a bundle is dropped locally.
type DropEvent struct {
	BundleID BundleID
	Reason   DropReason
	At       time.Time
}

// Config carries the tunable surface of the engine. Zero values are
// replaced with defaults by normalizeConfig.
type Config struct {
	Strategy          Strategy
	PerPeerQuotaBytes int64
	PerPeerQuotaCount int
	GlobalQuotaBytes  int64
	GlobalQuotaCount  int
	// ReservedConfirmBytes is a separate pool for confirmation bundles so
	// quota pressure cannot evict an in-flight confirmation.
	ReservedConfirmBytes int64
	DefaultLifetime      time.Duration
	MaxLifetime          time.Duration
	MaxHopCount          int
	// DemotionThresholds are fractions of a bundle's lifetime; crossing one
	// demotes its priority by a single tier.
	DemotionThresholds  []float64
	SprayInitialCopies  int
	CustodyOfferTimeout time.Duration
	RejectCooldown      time.Duration
	RouteCacheTTL       time.Duration
	RouteCacheSize      int
	SweepInterval       time.Duration
	ConfidenceDecay     time.Duration
	SeenTimeout         time.Duration
}

func normalizeConfig(cfg Config) Config {
	if cfg.PerPeerQuotaBytes <= 0 {
		cfg.PerPeerQuotaBytes = DefaultPerPeerQuotaBytes
	}
	if cfg.PerPeerQuotaCount <= 0 {
		cfg.PerPeerQuotaCount = DefaultPerPeerQuotaCount
	}
	if cfg.GlobalQuotaBytes <= 0 {
		cfg.GlobalQuotaBytes = DefaultGlobalQuotaBytes
	}
	if cfg.GlobalQuotaCount <= 0 {
		cfg.GlobalQuotaCount = DefaultGlobalQuotaCount
	}
	if cfg.ReservedConfirmBytes <= 0 {
		cfg.ReservedConfirmBytes = DefaultReservedConfirmBytes
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultBundleLifetime
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxBundleLifetime
	}
	if cfg.MaxHopCount <= 0 {
		cfg.MaxHopCount = DefaultMaxHopCount
	}
	if len(cfg.DemotionThresholds) == 0 {
		cfg.DemotionThresholds = []float64{0.5, 0.8}
	}
	if cfg.SprayInitialCopies <= 0 {
		cfg.SprayInitialCopies = DefaultSprayInitialCopies
	}
	if cfg.CustodyOfferTimeout <= 0 {
		cfg.CustodyOfferTimeout = DefaultCustodyOfferTimeout
	}
	if cfg.RejectCooldown <= 0 {
		cfg.RejectCooldown = DefaultRejectCooldown
	}
	if cfg.RouteCacheTTL <= 0 {
		cfg.RouteCacheTTL = DefaultRouteCacheTTL
	}
	if cfg.RouteCacheSize <= 0 {
		cfg.RouteCacheSize = DefaultRouteCacheSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ConfidenceDecay <= 0 {
		cfg.ConfidenceDecay = DefaultConfidenceDecay
	}
	if cfg.SeenTimeout <= 0 {
		cfg.SeenTimeout = DefaultSeenTimeout
	}
	return cfg
}

// ConfigWarning flags a questionable configuration combination.
type ConfigWarning string

const (
	WarnDefaultLifetimeExceedsMax ConfigWarning = "default lifetime exceeds max lifetime"
	WarnSprayCopiesTooLarge       ConfigWarning = "spray copy count exceeds global quota count"
	WarnSweepIntervalTooShort     ConfigWarning = "sweep interval shorter than 1s"
	WarnDemotionOutOfRange        ConfigWarning = "demotion threshold outside (0, 1)"
)

// Validate returns warnings for configuration combinations that are legal
// but likely mistakes. An empty slice means the config is sound.
func (cfg Config) Validate() []ConfigWarning {
	cfg = normalizeConfig(cfg)
	var warnings []ConfigWarning
	if cfg.DefaultLifetime > cfg.MaxLifetime {
		warnings = append(warnings, WarnDefaultLifetimeExceedsMax)
	}
	if cfg.SprayInitialCopies > cfg.GlobalQuotaCount {
		warnings = append(warnings, WarnSprayCopiesTooLarge)
	}
	if cfg.SweepInterval < time.Second {
		warnings = append(warnings, WarnSweepIntervalTooShort)
	}
	for _, frac := range cfg.DemotionThresholds {
		if frac <= 0 || frac >= 1 {
			warnings = append(warnings, WarnDemotionOutOfRange)
			break
		}
	}
	return warnings
}

// LowLatencyConfig favors quick expiry and single-copy routing on
// well-connected meshes.
func LowLatencyConfig() Config {
	cfg := normalizeConfig(Config{})
	cfg.Strategy = StrategyStoreAndForward
	cfg.DefaultLifetime = 10 * time.Minute
	cfg.MaxLifetime = 1 * time.Hour
	cfg.CustodyOfferTimeout = 10 * time.Second
	cfg.SweepInterval = 30 * time.Second
	return cfg
}

// ChallengedNetworkConfig favors replication and long retention on sparse
// meshes with rare contact opportunities.
func ChallengedNetworkConfig() Config {
	cfg := normalizeConfig(Config{})
	cfg.Strategy = StrategyEpidemic
	cfg.DefaultLifetime = 24 * time.Hour
	cfg.MaxLifetime = 14 * 24 * time.Hour
	cfg.CustodyOfferTimeout = 2 * time.Minute
	cfg.SweepInterval = 5 * time.Minute
	cfg.SeenTimeout = 2 * time.Hour
	return cfg
}

// ResourceConstrainedConfig shrinks every ceiling for small devices.
func ResourceConstrainedConfig() Config {
	cfg := normalizeConfig(Config{})
	cfg.Strategy = StrategySprayAndWait
	cfg.SprayInitialCopies = 2
	cfg.PerPeerQuotaBytes = 256 * 1024
	cfg.PerPeerQuotaCount = 100
	cfg.GlobalQuotaBytes = 4 * 1024 * 1024
	cfg.GlobalQuotaCount = 2000
	cfg.DefaultLifetime = 5 * time.Minute
	cfg.MaxLifetime = 30 * time.Minute
	cfg.SweepInterval = 30 * time.Second
	return cfg
}
