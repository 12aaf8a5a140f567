package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/tandemhq/tandem/internal/status"
)

// discovery advertises this instance over mDNS and resolves other instances
// of the same service type.
type discovery struct {
	instanceID string
	service    string
	server     *zeroconf.Server
}

func newDiscovery(instanceID, service string, port int) (*discovery, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "tandem"
	}
	server, err := zeroconf.Register(
		fmt.Sprintf("tandem-%s-%s", host, instanceID),
		service,
		"local.",
		port,
		[]string{"id=" + instanceID},
		nil,
	)
	if err != nil {
		return nil, status.Errorf(status.CodeDiscovery, "register mdns service: %w", err)
	}
	slog.Info("mdns service registered", "service", service, "port", port)
	return &discovery{instanceID: instanceID, service: service, server: server}, nil
}

func (d *discovery) close() {
	d.server.Shutdown()
}

// browse resolves currently advertised peers, excluding this instance.
// Results map instance id to a dialable host:port.
func (d *discovery) browse(ctx context.Context) (map[string]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, status.Errorf(status.CodeDiscovery, "create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			id := entryInstanceID(entry)
			if id == "" || id == d.instanceID {
				continue
			}
			addr := entryAddr(entry)
			if addr == "" {
				continue
			}
			found[id] = addr
		}
	}()

	if err := resolver.Browse(ctx, d.service, "local.", entries); err != nil {
		return nil, status.Errorf(status.CodeDiscovery, "browse mdns service: %w", err)
	}
	<-ctx.Done()
	<-done
	return found, nil
}

func entryInstanceID(entry *zeroconf.ServiceEntry) string {
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, "id=") {
			return strings.TrimPrefix(txt, "id=")
		}
	}
	return ""
}

func entryAddr(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprintf("%d", entry.Port))
	}
	if len(entry.AddrIPv6) > 0 {
		return net.JoinHostPort(entry.AddrIPv6[0].String(), fmt.Sprintf("%d", entry.Port))
	}
	return ""
}

// RefreshPeers re-runs discovery and dials any instance we are not yet
// connected to. Safe to call on a fixed interval; individual dial failures
// are logged, not returned.
func (c *Channel) RefreshPeers(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.InvalidState("channel closed")
	}
	disc := c.discovery
	c.mu.Unlock()

	if disc == nil {
		var err error
		disc, err = newDiscovery(c.cfg.InstanceID, c.cfg.ServiceName, boundPort(c.listener))
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.discovery == nil && !c.closed {
			c.discovery = disc
		} else {
			disc.close()
			disc = c.discovery
		}
		c.mu.Unlock()
		if disc == nil {
			return status.InvalidState("channel closed")
		}
	}

	browseCtx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryWait)
	defer cancel()
	found, err := disc.browse(browseCtx)
	if err != nil {
		return err
	}

	for id, addr := range found {
		if c.hasPeer(id) {
			continue
		}
		if err := c.Connect(addr); err != nil {
			slog.Warn("peer dial failed", "peer", id, "addr", addr, "error", err)
		}
	}
	return nil
}
