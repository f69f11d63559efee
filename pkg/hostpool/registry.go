// Package hostpool arbitrates exclusive, time-bounded access to backend hosts shared by
// concurrent negotiation turns. Each round gets its own pool so contention in one round
// cannot starve another.
package hostpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"negotiator/pkg/logx"
)

const (
	// DefaultWaitCeiling bounds how long Acquire waits for a free host.
	DefaultWaitCeiling = 90 * time.Second
)

// RoundKey identifies the pool of one round of one session.
type RoundKey struct {
	Session string
	Round   int
}

// String renders the key as "<session>_<round>".
func (k RoundKey) String() string {
	return fmt.Sprintf("%s_%d", k.Session, k.Round)
}

// Discovery lists the hosts enabled for a round.
type Discovery interface {
	EnabledHostsFor(ctx context.Context, key RoundKey) ([]string, error)
}

// StaticDiscovery returns the same host list for every round.
type StaticDiscovery []string

// EnabledHostsFor implements Discovery.
func (s StaticDiscovery) EnabledHostsFor(_ context.Context, _ RoundKey) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Observer receives pool events. *metrics.Recorder implements it.
type Observer interface {
	ObserveAcquire(round string, wait time.Duration, ok bool)
	ObserveRelease(round string, dropped bool)
	ForgetRound(round string)
}

type nopObserver struct{}

func (nopObserver) ObserveAcquire(string, time.Duration, bool) {}
func (nopObserver) ObserveRelease(string, bool)                {}
func (nopObserver) ForgetRound(string)                         {}

// Options configures a Registry.
type Options struct {
	WaitCeiling time.Duration
	Observer    Observer
}

// pool is a bounded multiset of hosts. free holds the hosts not currently borrowed;
// its buffer size is the pool capacity, so it can never hold more than capacity hosts.
type pool struct {
	free        chan string
	mu          sync.Mutex
	outstanding map[string]int
}

func newPool(hosts []string) *pool {
	p := &pool{
		free:        make(chan string, len(hosts)),
		outstanding: make(map[string]int, len(hosts)),
	}
	for _, h := range hosts {
		p.free <- h
	}
	return p
}

// Registry maps round keys to host pools. Pools are created lazily on first
// acquisition and torn down with Remove.
type Registry struct {
	discovery Discovery
	ceiling   time.Duration
	observer  Observer
	logger    *logx.Logger

	mu    sync.RWMutex
	pools map[string]*pool
	group singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(discovery Discovery, opts Options) *Registry {
	if opts.WaitCeiling <= 0 {
		opts.WaitCeiling = DefaultWaitCeiling
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Registry{
		discovery: discovery,
		ceiling:   opts.WaitCeiling,
		observer:  opts.Observer,
		logger:    logx.NewLogger("hostpool"),
		pools:     make(map[string]*pool),
	}
}

func (r *Registry) lookup(key string) *pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[key]
}

func (r *Registry) poolFor(ctx context.Context, key RoundKey) (*pool, error) {
	name := key.String()
	if p := r.lookup(name); p != nil {
		return p, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		if p := r.lookup(name); p != nil {
			return p, nil
		}
		hosts, err := r.discovery.EnabledHostsFor(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("discover hosts for %s: %w", name, err)
		}
		p := newPool(hosts)
		r.mu.Lock()
		r.pools[name] = p
		r.mu.Unlock()
		r.logger.Info("created host pool %s with %d hosts", name, len(hosts))
		return p, nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // already wrapped inside the flight
	}
	return v.(*pool), nil
}

// Acquire borrows a host for key. It returns false when no host became free within the
// wait ceiling, when ctx ends first, or when the round's hosts cannot be discovered.
func (r *Registry) Acquire(ctx context.Context, key RoundKey) (string, bool) {
	start := time.Now()
	name := key.String()

	p, err := r.poolFor(ctx, key)
	if err != nil {
		r.logger.Warn("acquire %s: %v", name, err)
		r.observer.ObserveAcquire(name, time.Since(start), false)
		return "", false
	}

	timer := time.NewTimer(r.ceiling)
	defer timer.Stop()

	select {
	case host := <-p.free:
		p.mu.Lock()
		p.outstanding[host]++
		p.mu.Unlock()
		r.observer.ObserveAcquire(name, time.Since(start), true)
		return host, true
	case <-timer.C:
		r.logger.Warn("no host free for %s after %s", name, r.ceiling)
	case <-ctx.Done():
		r.logger.Warn("acquire for %s abandoned: %v", name, ctx.Err())
	}
	r.observer.ObserveAcquire(name, time.Since(start), false)
	return "", false
}

// Release returns host to key's pool. Releasing a host that is not borrowed from that
// pool is logged and dropped, so the pool never exceeds its capacity.
func (r *Registry) Release(key RoundKey, host string) {
	name := key.String()
	p := r.lookup(name)
	if p == nil {
		r.logger.Warn("release of %s to unknown pool %s dropped", host, name)
		r.observer.ObserveRelease(name, true)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding[host] == 0 {
		r.logger.Warn("release of %s to %s dropped: host not borrowed", host, name)
		r.observer.ObserveRelease(name, true)
		return
	}

	select {
	case p.free <- host:
		p.outstanding[host]--
		r.observer.ObserveRelease(name, false)
	default:
		r.logger.Error("release of %s to %s dropped: pool full", host, name)
		r.observer.ObserveRelease(name, true)
	}
}

// Remove tears down key's pool. Hosts still borrowed are dropped on release.
func (r *Registry) Remove(key RoundKey) {
	name := key.String()
	r.mu.Lock()
	_, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()
	if ok {
		r.observer.ForgetRound(name)
		r.logger.Info("removed host pool %s", name)
	}
}

// Size returns the number of free hosts in key's pool, 0 when it does not exist yet.
func (r *Registry) Size(key RoundKey) int {
	if p := r.lookup(key.String()); p != nil {
		return len(p.free)
	}
	return 0
}
