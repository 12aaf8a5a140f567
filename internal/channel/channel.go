// Package channel implements best-effort, at-least-once operation transport
// between coordination instances: a websocket listen endpoint, mDNS peer
// discovery, per-peer outbound queues with bounded retry, and an inbound
// buffer drained by the engine's sync loop.
package channel

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/status"
)

// Frame types on the peer wire. Every websocket binary message starts with
// one frame-type byte.
const (
	frameHello byte = 1 // payload: sender instance id (utf-8)
	frameOp    byte = 2 // payload: op codec encoding
)

// Config configures a Channel. Zero values are filled by DefaultConfig.
type Config struct {
	InstanceID string
	Port       int

	// Encryption demands confidentiality+integrity on all peer traffic.
	// The concrete mechanism is supplied by the caller as a TLS config;
	// the channel refuses to start encrypted without one.
	Encryption bool
	TLS        *tls.Config

	ServiceName   string        // mDNS service type
	DiscoveryWait time.Duration // browse window per RefreshPeers
	SendQueueLen  int           // per-peer outbound queue depth
	MaxRetries    int           // per-message delivery attempts before drop
	RetryBase     time.Duration // exponential backoff base
	RetryMax      time.Duration // exponential backoff ceiling
	InboundLimit  int           // buffered inbound operations before oldest are shed
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:   "_tandem._tcp",
		DiscoveryWait: 2 * time.Second,
		SendQueueLen:  256,
		MaxRetries:    5,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      5 * time.Second,
		InboundLimit:  4096,
	}
}

// Stats is a point-in-time snapshot of channel counters. Dropped counts
// messages abandoned after the retry ceiling; they are never surfaced as
// errors to Broadcast callers.
type Stats struct {
	Sent     uint64
	Dropped  uint64
	Received uint64
	Retries  uint64
	Peers    int
}

// Channel is the peer distribution endpoint for one instance.
type Channel struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
	addr     string

	discovery *discovery

	mu      sync.Mutex
	peers   map[string]*peer
	inbound []op.Operation
	closed  bool

	sent     atomic.Uint64
	dropped  atomic.Uint64
	received atomic.Uint64
	retries  atomic.Uint64
}

// New binds the listen endpoint and registers the instance for discovery.
// On any failure everything already constructed is torn down before the
// error is returned.
func New(cfg Config) (*Channel, error) {
	if cfg.InstanceID == "" {
		return nil, status.InvalidParameter("channel: instance id is required")
	}
	if cfg.Encryption && cfg.TLS == nil {
		return nil, status.InvalidParameter("channel: encryption enabled but no TLS config provided")
	}
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.DiscoveryWait <= 0 {
		cfg.DiscoveryWait = def.DiscoveryWait
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = def.SendQueueLen
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.InboundLimit <= 0 {
		cfg.InboundLimit = def.InboundLimit
	}

	c := &Channel{
		cfg:   cfg,
		peers: make(map[string]*peer),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, status.Errorf(status.CodeNetwork, "channel: bind port %d: %w", cfg.Port, err)
	}
	if cfg.Encryption {
		ln = tls.NewListener(ln, cfg.TLS)
	}
	c.listener = ln
	c.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", c.serveWs)
	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("channel listener stopped", "error", err)
		}
	}()

	// Discovery failures are non-fatal: static peering via Connect still
	// works, and RefreshPeers retries registration on each tick.
	disc, err := newDiscovery(cfg.InstanceID, cfg.ServiceName, boundPort(ln))
	if err != nil {
		slog.Warn("mdns registration failed, discovery degraded", "error", err)
	}
	c.discovery = disc

	slog.Info("channel listening", "addr", c.addr, "service", cfg.ServiceName, "encrypted", cfg.Encryption)
	return c, nil
}

// Addr returns the bound listen address (useful when Port was 0).
func (c *Channel) Addr() string {
	return c.addr
}

// Port returns the bound listen port.
func (c *Channel) Port() int {
	return boundPort(c.listener)
}

// Broadcast enqueues o to every currently known peer without blocking.
// Delivery is at-least-once best effort: a peer that cannot be reached is
// retried with backoff and eventually dropped, observable only via Stats
// and logs. The only error is a closed channel.
func (c *Channel) Broadcast(o *op.Operation) error {
	msg := append([]byte{frameOp}, op.Encode(o)...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.InvalidState("channel: broadcast on closed channel")
	}
	targets := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		targets = append(targets, p)
	}
	c.mu.Unlock()

	for _, p := range targets {
		select {
		case p.send <- msg:
		default:
			// Queue full: shed rather than block the caller.
			c.dropped.Add(1)
			slog.Warn("peer send queue full, dropping operation", "peer", p.id, "op", o.ID())
		}
	}
	return nil
}

// DrainInbound returns and clears the buffered inbound batch. The returned
// slice is caller-owned; an empty result is not an error.
func (c *Channel) DrainInbound() []op.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbound
	c.inbound = nil
	return out
}

// Stats returns current channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	peers := len(c.peers)
	c.mu.Unlock()
	return Stats{
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Received: c.received.Load(),
		Retries:  c.retries.Load(),
		Peers:    peers,
	}
}

// Close stops discovery, the listener, and all peer connections. The channel
// accepts no further inbound work once Close returns.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.InvalidState("channel already closed")
	}
	c.closed = true
	disc := c.discovery
	c.discovery = nil
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peers = make(map[string]*peer)
	c.mu.Unlock()

	if disc != nil {
		disc.close()
	}
	err := c.server.Close()
	for _, p := range peers {
		p.stop()
	}
	if err != nil {
		return status.Errorf(status.CodeNetwork, "channel: close listener: %w", err)
	}
	return nil
}

// bufferInbound appends o to the inbound batch, shedding the oldest entries
// past the limit.
func (c *Channel) bufferInbound(o op.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbound = append(c.inbound, o)
	if over := len(c.inbound) - c.cfg.InboundLimit; over > 0 {
		c.inbound = append([]op.Operation(nil), c.inbound[over:]...)
		c.dropped.Add(uint64(over))
	}
	c.received.Add(1)
}

func boundPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
