package dtn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// Identity is a node's stable libp2p keypair in storable form.
type Identity struct {
	PeerID              string    `json:"peer_id"`
	IdentityPrivEd25519 string    `json:"identity_priv_ed25519"`
	CreatedAt           time.Time `json:"created_at"`
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity(now time.Time) (Identity, error) {
	priv, _, err := ic.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("derive peer id: %w", err)
	}
	raw, err := ic.MarshalPrivateKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal identity key: %w", err)
	}
	return Identity{
		PeerID:              pid.String(),
		IdentityPrivEd25519: base64.StdEncoding.EncodeToString(raw),
		CreatedAt:           now.UTC(),
	}, nil
}

// ParseIdentityPrivateKey decodes a stored private key.
func ParseIdentityPrivateKey(encoded string) (ic.PrivKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	priv, err := ic.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return priv, nil
}

// NodeOptions configures a libp2p node.
type NodeOptions struct {
	DialOnly    bool
	ListenAddrs []string
	SendTimeout time.Duration
	Logger      *slog.Logger
}

func normalizeNodeOptions(opts NodeOptions) NodeOptions {
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = defaultListenAddrs()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func defaultListenAddrs() []string {
	return []string{
		"/ip4/0.0.0.0/udp/6473/quic-v1",
		"/ip4/0.0.0.0/tcp/6473",
	}
}

func fallbackListenAddrs() []string {
	return []string{
		"/ip4/0.0.0.0/udp/0/quic-v1",
		"/ip4/0.0.0.0/tcp/0",
	}
}

// Node is the libp2p transport: one-shot streams on the bundle protocol
// carry envelope frames, and connection notifications feed the engine's
// event channel. It implements Transport.
type Node struct {
	host   host.Host
	opts   NodeOptions
	logger *slog.Logger

	inbound chan Inbound
	events  chan PeerEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNode opens a libp2p host for the identity and wires the bundle
// stream handler. When the preferred listen addresses are taken, it
// falls back to ephemeral ports unless addresses were given explicitly.
func NewNode(identity Identity, opts NodeOptions) (*Node, error) {
	priv, err := ParseIdentityPrivateKey(identity.IdentityPrivEd25519)
	if err != nil {
		return nil, err
	}
	explicitListen := len(opts.ListenAddrs) > 0
	opts = normalizeNodeOptions(opts)

	h, err := newLibp2pHost(priv, opts.DialOnly, opts.ListenAddrs)
	if err != nil {
		if opts.DialOnly || explicitListen {
			return nil, fmt.Errorf("create libp2p host: %w", err)
		}
		fallback := fallbackListenAddrs()
		h, err = newLibp2pHost(priv, false, fallback)
		if err != nil {
			return nil, fmt.Errorf("create libp2p host: %w", err)
		}
		opts.ListenAddrs = fallback
	}
	if h.ID().String() != identity.PeerID {
		_ = h.Close()
		return nil, fmt.Errorf("libp2p host identity mismatch: host=%s identity=%s", h.ID().String(), identity.PeerID)
	}

	n := &Node{
		host:    h,
		opts:    opts,
		logger:  opts.Logger.With("peer_id", h.ID().String()),
		inbound: make(chan Inbound, 256),
		events:  make(chan PeerEvent, 64),
		closed:  make(chan struct{}),
	}
	h.SetStreamHandler(protocol.ID(ProtocolBundleIDV1), n.handleBundleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.emitEvent(PeerEvent{Kind: PeerConnected, Peer: PeerID(c.RemotePeer().String())})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.emitEvent(PeerEvent{Kind: PeerDisconnected, Peer: PeerID(c.RemotePeer().String())})
		},
	})
	return n, nil
}

func newLibp2pHost(priv ic.PrivKey, dialOnly bool, listenAddrs []string) (host.Host, error) {
	hostOpts := []libp2p.Option{libp2p.Identity(priv)}
	if dialOnly {
		hostOpts = append(hostOpts, libp2p.NoListenAddrs)
	} else {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	return libp2p.New(hostOpts...)
}

// Close shuts the host and the channels down.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		err = n.host.Close()
	})
	return err
}

// PeerID returns the local libp2p peer ID string.
func (n *Node) PeerID() PeerID {
	return PeerID(n.host.ID().String())
}

// AddrStrings returns the host's listen addresses with the /p2p suffix,
// suitable for handing to other nodes.
func (n *Node) AddrStrings() []string {
	p2pComponent, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	var out []string
	for _, addr := range n.host.Addrs() {
		out = append(out, addr.Encapsulate(p2pComponent).String())
	}
	sort.Strings(out)
	return out
}

// Connect dials a peer at the given multiaddrs, trying each in turn.
func (n *Node) Connect(ctx context.Context, peerID string, addresses []string) error {
	pid, err := peer.Decode(strings.TrimSpace(peerID))
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}
	var dialErrors []string
	for _, raw := range addresses {
		addr, err := ma.NewMultiaddr(strings.TrimSpace(raw))
		if err != nil {
			dialErrors = append(dialErrors, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		info := peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{addr}}
		if err := n.host.Connect(ctx, info); err != nil {
			dialErrors = append(dialErrors, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		return nil
	}
	if len(dialErrors) == 0 {
		return fmt.Errorf("connect to %s failed: no dial addresses", peerID)
	}
	return fmt.Errorf("connect to %s failed: %s", peerID, strings.Join(dialErrors, "; "))
}

// Send opens a one-shot stream to the peer and writes one envelope
// frame. The peer must already be connected or dialable from the
// peerstore.
func (n *Node) Send(ctx context.Context, to PeerID, data []byte) error {
	pid, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", to, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
	defer cancel()

	stream, err := n.host.NewStream(sendCtx, pid, protocol.ID(ProtocolBundleIDV1))
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", to, err)
	}
	defer stream.Close()

	if deadline, ok := sendCtx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(data); err != nil {
		_ = stream.Reset()
		return fmt.Errorf("write frame to %s: %w", to, err)
	}
	return stream.CloseWrite()
}

// Receive returns the inbound frame channel.
func (n *Node) Receive() <-chan Inbound {
	return n.inbound
}

// Events returns the peer connect/disconnect channel.
func (n *Node) Events() <-chan PeerEvent {
	return n.events
}

// ConnectedPeers lists currently connected peers.
func (n *Node) ConnectedPeers() []PeerID {
	peers := n.host.Network().Peers()
	out := make([]PeerID, 0, len(peers))
	for _, pid := range peers {
		if n.host.Network().Connectedness(pid) == network.Connected {
			out = append(out, PeerID(pid.String()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsConnected reports whether a peer has a live connection.
func (n *Node) IsConnected(p PeerID) bool {
	pid, err := peer.Decode(string(p))
	if err != nil {
		return false
	}
	return n.host.Network().Connectedness(pid) == network.Connected
}

func (n *Node) handleBundleStream(stream network.Stream) {
	defer stream.Close()
	from := PeerID(stream.Conn().RemotePeer().String())

	_ = stream.SetReadDeadline(time.Now().Add(n.opts.SendTimeout))
	data, truncated, err := readAllLimited(stream, MaxEnvelopeBytes)
	if err != nil {
		n.logger.Warn("bundle stream read failed", "from", string(from), "err", err)
		_ = stream.Reset()
		return
	}
	if truncated {
		n.logger.Warn("bundle stream exceeded frame limit", "from", string(from))
		_ = stream.Reset()
		return
	}

	select {
	case n.inbound <- Inbound{From: from, Data: data}:
	case <-n.closed:
	default:
		// Inbound backlog full. Dropping is safe, DTN retries cover it.
		n.logger.Warn("inbound backlog full, dropping frame", "from", string(from))
	}
}

func (n *Node) emitEvent(ev PeerEvent) {
	select {
	case n.events <- ev:
	case <-n.closed:
	default:
		n.logger.Warn("event backlog full, dropping event", "peer", string(ev.Peer))
	}
}

func readAllLimited(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes <= 0 {
		maxBytes = MaxEnvelopeBytes
	}
	limited := io.LimitReader(reader, int64(maxBytes)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > maxBytes {
		return data, true, nil
	}
	return data, false, nil
}
