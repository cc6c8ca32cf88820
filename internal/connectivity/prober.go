// Package connectivity answers whether the remote service can be reached right now.
//
// A probe never returns an error. Failures, hangs and timeouts all report
// false, and every probe returns within its timeout.
package connectivity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/farmsync/internal/logging"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Prober reports whether the remote service is reachable.
type Prober interface {
	IsReachable(ctx context.Context) bool
}

// InterfaceLister returns the host's network interfaces.
type InterfaceLister func() ([]net.Interface, error)

// NetProber checks for an active network interface, then for a response from
// the remote health endpoint.
type NetProber struct {
	healthURL  string
	timeout    time.Duration
	httpClient *http.Client
	interfaces InterfaceLister
	logger     *zap.Logger
}

// ProberOption configures a NetProber.
type ProberOption func(*NetProber)

// WithTimeout sets the per-probe timeout.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *NetProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for the reachability request.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *NetProber) { p.httpClient = c }
}

// WithInterfaceLister replaces the interface check. A nil lister disables it.
func WithInterfaceLister(l InterfaceLister) ProberOption {
	return func(p *NetProber) { p.interfaces = l }
}

// WithLogger sets the logger for probe diagnostics.
func WithLogger(l *zap.Logger) ProberOption {
	return func(p *NetProber) { p.logger = logging.OrNop(l) }
}

// NewNetProber creates a prober for the service at baseURL. An empty baseURL
// limits the probe to the interface check.
func NewNetProber(baseURL string, opts ...ProberOption) *NetProber {
	p := &NetProber{
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		interfaces: net.Interfaces,
		logger:     zap.NewNop(),
	}
	if baseURL != "" {
		p.healthURL = strings.TrimSuffix(baseURL, "/") + "/health"
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsReachable implements Prober.
func (p *NetProber) IsReachable(ctx context.Context) bool {
	if p.interfaces != nil && !HasActiveInterface(p.interfaces) {
		p.logger.Debug("no active network interface")
		return false
	}
	if p.healthURL == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		p.logger.Debug("build probe request", zap.Error(err))
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", p.healthURL), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()

	// Auth failures still prove the service is there.
	return resp.StatusCode < http.StatusInternalServerError
}

// HasActiveInterface reports whether any non-loopback interface is up.
func HasActiveInterface(list InterfaceLister) bool {
	ifaces, err := list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		return true
	}
	return false
}

// Static is a Prober with a settable answer.
type Static struct {
	reachable atomic.Bool
	calls     atomic.Int64
}

// NewStatic creates a Static prober.
func NewStatic(reachable bool) *Static {
	s := &Static{}
	s.reachable.Store(reachable)
	return s
}

// Set changes the answer.
func (s *Static) Set(reachable bool) { s.reachable.Store(reachable) }

// Calls returns how many times IsReachable was called.
func (s *Static) Calls() int64 { return s.calls.Load() }

// IsReachable implements Prober.
func (s *Static) IsReachable(context.Context) bool {
	s.calls.Add(1)
	return s.reachable.Load()
}
