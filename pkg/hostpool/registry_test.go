package hostpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var round = RoundKey{Session: "abc123", Round: 2}

type failingDiscovery struct{}

func (failingDiscovery) EnabledHostsFor(context.Context, RoundKey) ([]string, error) {
	return nil, errors.New("registry offline")
}

type countingDiscovery struct {
	calls atomic.Int32
	hosts []string
}

func (c *countingDiscovery) EnabledHostsFor(context.Context, RoundKey) ([]string, error) {
	c.calls.Add(1)
	return c.hosts, nil
}

func TestRoundKeyString(t *testing.T) {
	assert.Equal(t, "abc123_2", round.String())
}

func TestAcquireEmptyPoolReturnsAfterCeiling(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(StaticDiscovery(nil), Options{WaitCeiling: 50 * time.Millisecond})
	start := time.Now()
	host, ok := r.Acquire(context.Background(), round)

	assert.False(t, ok)
	assert.Empty(t, host)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(StaticDiscovery(nil), Options{WaitCeiling: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := r.Acquire(ctx, round)
	assert.False(t, ok)
}

func TestReleaseRestoresSize(t *testing.T) {
	r := NewRegistry(StaticDiscovery{"http://a", "http://b"}, Options{WaitCeiling: 50 * time.Millisecond})
	assert.Equal(t, 0, r.Size(round), "pool is created lazily")

	host, ok := r.Acquire(context.Background(), round)
	require.True(t, ok)
	assert.Equal(t, 1, r.Size(round))

	r.Release(round, host)
	assert.Equal(t, 2, r.Size(round))

	start := time.Now()
	_, ok = r.Acquire(context.Background(), round)
	require.True(t, ok)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestReleaseNeverExceedsCapacity(t *testing.T) {
	r := NewRegistry(StaticDiscovery{"http://a"}, Options{WaitCeiling: 50 * time.Millisecond})

	host, ok := r.Acquire(context.Background(), round)
	require.True(t, ok)
	r.Release(round, host)
	r.Release(round, host)
	r.Release(round, "http://stranger")
	assert.Equal(t, 1, r.Size(round))

	r.Release(RoundKey{Session: "other", Round: 1}, host)
	assert.Equal(t, 0, r.Size(RoundKey{Session: "other", Round: 1}))
}

func TestRoundsAreIsolated(t *testing.T) {
	r := NewRegistry(StaticDiscovery{"http://a"}, Options{WaitCeiling: 30 * time.Millisecond})
	other := RoundKey{Session: "abc123", Round: 3}

	_, ok := r.Acquire(context.Background(), round)
	require.True(t, ok)
	_, ok = r.Acquire(context.Background(), round)
	assert.False(t, ok, "round pool is exhausted")

	_, ok = r.Acquire(context.Background(), other)
	assert.True(t, ok, "another round has its own pool")
}

func TestPoolCreatedOncePerRound(t *testing.T) {
	d := &countingDiscovery{hosts: []string{"http://a", "http://b", "http://c"}}
	r := NewRegistry(d, Options{WaitCeiling: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, ok := r.Acquire(context.Background(), round); ok {
				r.Release(round, h)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, 3, r.Size(round))
}

func TestDiscoveryFailure(t *testing.T) {
	r := NewRegistry(failingDiscovery{}, Options{WaitCeiling: time.Second})
	start := time.Now()
	_, ok := r.Acquire(context.Background(), round)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRemoveTearsDownPool(t *testing.T) {
	r := NewRegistry(StaticDiscovery{"http://a"}, Options{WaitCeiling: 30 * time.Millisecond})
	host, ok := r.Acquire(context.Background(), round)
	require.True(t, ok)

	r.Remove(round)
	r.Release(round, host)
	assert.Equal(t, 0, r.Size(round))

	_, ok = r.Acquire(context.Background(), round)
	assert.True(t, ok, "a fresh pool is created after removal")
}

func TestConcurrentHoldersNeverExceedCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	const capacity, tasks = 3, 24
	r := NewRegistry(StaticDiscovery{"http://a", "http://b", "http://c"}, Options{WaitCeiling: 5 * time.Second})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	var failures atomic.Int32
	held := sync.Map{}

	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host, ok := r.Acquire(context.Background(), round)
			if !ok {
				failures.Add(1)
				return
			}
			if _, dup := held.LoadOrStore(host, true); dup {
				failures.Add(1)
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			held.Delete(host)
			r.Release(round, host)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), failures.Load())
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.Equal(t, capacity, r.Size(round))
}

func TestProbe(t *testing.T) {
	hosts := []Host{
		{URL: "http://up-1", Enabled: true},
		{URL: "http://down", Enabled: true},
		{URL: "http://disabled", Enabled: false},
		{URL: "http://up-2", Enabled: true},
	}
	var checked sync.Map
	check := func(_ context.Context, host string) error {
		checked.Store(host, true)
		if host == "http://down" {
			return errors.New("connection refused")
		}
		return nil
	}

	got, err := Probe(context.Background(), hosts, check)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://up-1", "http://up-2"}, got)

	_, probedDisabled := checked.Load("http://disabled")
	assert.False(t, probedDisabled)

	_, err = Probe(context.Background(), hosts[1:3], check)
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestProbeDiscovery(t *testing.T) {
	d := ProbeDiscovery{
		Hosts: []Host{{URL: "http://a", Enabled: true}},
		Check: func(context.Context, string) error { return nil },
	}
	r := NewRegistry(d, Options{WaitCeiling: 30 * time.Millisecond})
	host, ok := r.Acquire(context.Background(), round)
	require.True(t, ok)
	assert.Equal(t, "http://a", host)
}
