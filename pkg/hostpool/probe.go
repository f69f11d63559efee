package hostpool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"negotiator/pkg/llm/ollama"
	"negotiator/pkg/logx"
)

// ErrNoHosts is returned when no configured host is enabled and reachable.
var ErrNoHosts = errors.New("no backend hosts available")

// maxConcurrentProbes bounds parallel heartbeats.
const maxConcurrentProbes = 8

// Host is one configured backend host.
type Host struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// CheckFunc reports whether host answers.
type CheckFunc func(ctx context.Context, host string) error

// OllamaCheck returns a CheckFunc that sends an Ollama heartbeat with creds.
func OllamaCheck(creds ollama.Credentials, timeout time.Duration) CheckFunc {
	return func(ctx context.Context, host string) error {
		return ollama.NewClient(host, "", creds).Heartbeat(ctx, timeout)
	}
}

// Probe checks all enabled hosts concurrently and returns the reachable ones in
// configuration order.
func Probe(ctx context.Context, hosts []Host, check CheckFunc) ([]string, error) {
	logger := logx.NewLogger("hostpool")
	alive := make([]bool, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, h := range hosts {
		if !h.Enabled {
			continue
		}
		g.Go(func() error {
			if err := check(gctx, h.URL); err != nil {
				logger.Warn("host %s failed heartbeat: %v", h.URL, err)
				return nil
			}
			alive[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck // probes never fail the group
	}

	enabled := make([]string, 0, len(hosts))
	for i, h := range hosts {
		if alive[i] {
			enabled = append(enabled, h.URL)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoHosts
	}
	return enabled, nil
}

// ProbeDiscovery probes the configured hosts whenever a round's pool is created.
type ProbeDiscovery struct {
	Hosts []Host
	Check CheckFunc
}

// EnabledHostsFor implements Discovery.
func (d ProbeDiscovery) EnabledHostsFor(ctx context.Context, _ RoundKey) ([]string, error) {
	return Probe(ctx, d.Hosts, d.Check)
}
