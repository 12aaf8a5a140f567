package channel

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/status"
)

// peer is one live connection to another instance. Outbound traffic goes
// through send so Broadcast never blocks on network I/O. conn may be swapped
// by a redial; all access goes through current/replace.
type peer struct {
	id   string
	addr string // dialable host:port; empty for accepted connections
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	stopOnce sync.Once
}

func (p *peer) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		close(p.done)
		conn := p.conn
		p.mu.Unlock()
		conn.Close()
	})
}

func (p *peer) current() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// replace swaps in a freshly dialed connection and closes the old one. The
// read pump notices the closed connection, sees the swap, and carries on
// with the replacement. Returns false if the peer was already stopped, in
// which case conn is closed instead of installed.
func (p *peer) replace(conn *websocket.Conn) bool {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		conn.Close()
		return false
	default:
	}
	old := p.conn
	p.conn = conn
	p.mu.Unlock()
	old.Close()
	return true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWs accepts an inbound peer connection. The first frame must be a
// hello carrying the remote instance id.
func (c *Channel) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("peer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	remoteID, err := c.handshake(conn)
	if err != nil {
		slog.Warn("peer handshake failed", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}
	c.addPeer(remoteID, "", conn)
}

// Connect dials a peer endpoint directly, bypassing discovery. Used for
// static peering and tests.
func (c *Channel) Connect(addr string) error {
	conn, err := c.dial(addr)
	if err != nil {
		return err
	}
	remoteID, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return status.Errorf(status.CodeNetwork, "channel: handshake with %s: %w", addr, err)
	}
	if remoteID == c.cfg.InstanceID {
		conn.Close()
		return status.InvalidParameter("channel: refusing to peer with self")
	}
	c.addPeer(remoteID, addr, conn)
	return nil
}

func (c *Channel) dial(addr string) (*websocket.Conn, error) {
	scheme := "ws"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if c.cfg.Encryption {
		scheme = "wss"
		dialer.TLSClientConfig = c.cfg.TLS
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/sync"}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, status.Errorf(status.CodeNetwork, "channel: dial %s: %w", addr, err)
	}
	return conn, nil
}

// handshake exchanges hello frames: send ours, read theirs.
func (c *Channel) handshake(conn *websocket.Conn) (string, error) {
	hello := append([]byte{frameHello}, c.cfg.InstanceID...)
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Time{})
	if len(msg) < 2 || msg[0] != frameHello {
		return "", status.Errorf(status.CodeNetwork, "channel: expected hello frame")
	}
	return string(msg[1:]), nil
}

func (c *Channel) addPeer(id, addr string, conn *websocket.Conn) {
	p := &peer{
		id:   id,
		addr: addr,
		conn: conn,
		send: make(chan []byte, c.cfg.SendQueueLen),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := c.peers[id]; ok {
		old.stop()
	}
	c.peers[id] = p
	total := len(c.peers)
	c.mu.Unlock()

	slog.Info("peer connected", "peer", id, "addr", addr, "peers", total)
	go c.readPump(p)
	go c.writePump(p)
}

func (c *Channel) removePeer(p *peer) {
	c.mu.Lock()
	if cur, ok := c.peers[p.id]; ok && cur == p {
		delete(c.peers, p.id)
	}
	total := len(c.peers)
	c.mu.Unlock()
	p.stop()
	slog.Info("peer disconnected", "peer", p.id, "peers", total)
}

func (c *Channel) hasPeer(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[id]
	return ok
}

func (c *Channel) readPump(p *peer) {
	defer c.removePeer(p)
	for {
		conn := p.current()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			if p.current() != conn {
				// Redial swapped the connection out from under this read;
				// resume on the replacement.
				continue
			}
			return
		}
		if len(msg) < 1 || msg[0] != frameOp {
			continue
		}
		o, err := op.Decode(msg[1:])
		if err != nil {
			slog.Warn("discarding undecodable operation frame", "peer", p.id, "error", err)
			continue
		}
		c.bufferInbound(o)
	}
}

func (c *Channel) writePump(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			if err := c.writeWithRetry(p, msg); err != nil {
				c.dropped.Add(1)
				slog.Warn("dropping operation after retry ceiling", "peer", p.id, "error", err)
				c.removePeer(p)
				return
			}
			c.sent.Add(1)
		}
	}
}

// writeWithRetry delivers one message with bounded exponential backoff,
// re-dialing the peer between attempts when its address is known.
func (c *Channel) writeWithRetry(p *peer, msg []byte) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if lastErr = p.current().WriteMessage(websocket.BinaryMessage, msg); lastErr == nil {
			return nil
		}
		c.retries.Add(1)

		select {
		case <-p.done:
			return lastErr
		case <-time.After(retryDelay(attempt, c.cfg.RetryBase, c.cfg.RetryMax)):
		}

		if p.addr != "" {
			if conn, err := c.dial(p.addr); err == nil {
				if _, err := c.handshake(conn); err == nil {
					if p.replace(conn) {
						continue
					}
					return lastErr
				}
				conn.Close()
			}
		}
	}
	return lastErr
}
