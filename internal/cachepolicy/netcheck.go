package cachepolicy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"
)

// Probe defaults.
const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultProbeCache   = 5 * time.Second
)

// TCPProbe is a Connectivity that dials the service host. Answers are cached
// for a few seconds so a burst of reads costs one dial.
type TCPProbe struct {
	addr    string
	timeout time.Duration
	ttl     time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time

	mu      sync.Mutex
	checked time.Time
	online  bool
}

// NewTCPProbe returns a probe for the host and port of serverURL. The port
// defaults from the scheme.
func NewTCPProbe(serverURL string, timeout time.Duration) (*TCPProbe, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("server url %q has no host", serverURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := &net.Dialer{Timeout: timeout}
	return &TCPProbe{
		addr:    net.JoinHostPort(u.Hostname(), port),
		timeout: timeout,
		ttl:     DefaultProbeCache,
		dial:    d.DialContext,
		now:     time.Now,
	}, nil
}

// Online reports whether a TCP connection to the service host succeeds.
func (p *TCPProbe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.checked.IsZero() && now.Sub(p.checked) < p.ttl {
		return p.online
	}

	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(dctx, "tcp", p.addr)
	if err == nil {
		_ = conn.Close()
	}
	p.online = err == nil
	p.checked = now
	return p.online
}

// Addr returns the probed host:port.
func (p *TCPProbe) Addr() string { return p.addr }
