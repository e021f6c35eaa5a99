package supervisor

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// Reachability watches whether the Home Assistant host accepts TCP
// connections. It stands in for an OS network-path monitor and reports only
// transitions.
type Reachability struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dialer   *net.Dialer
	logger   *zap.Logger
}

// NewReachability probes addr (host:port) every interval.
func NewReachability(addr string, interval time.Duration, logger *zap.Logger) *Reachability {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reachability{
		addr:     addr,
		interval: interval,
		timeout:  DefaultProbeTimeout,
		dialer:   &net.Dialer{},
		logger:   logger,
	}
}

// Probe reports whether a TCP connection to the host can be opened now.
func (r *Reachability) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		r.logger.Debug("Reachability probe failed", zap.String("addr", r.addr), zap.Error(err))
		return false
	}
	conn.Close()
	return true
}

// Run probes until ctx is done. onChange is called with the first result and
// then whenever the result differs from the previous one.
func (r *Reachability) Run(ctx context.Context, onChange func(available bool)) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	known := false
	last := false
	for {
		up := r.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if !known || up != last {
			r.logger.Info("Network reachability changed", zap.String("addr", r.addr), zap.Bool("available", up))
			onChange(up)
			known = true
			last = up
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
