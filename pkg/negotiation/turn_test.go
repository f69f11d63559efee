package negotiation

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"negotiator/pkg/hostpool"
	"negotiator/pkg/llm"
	"negotiator/pkg/offer"
	"negotiator/pkg/persistence"
	"negotiator/pkg/proto"
)

var testRound = hostpool.RoundKey{Session: "abc123", Round: 1}

type runnerFixture struct {
	db       *sql.DB
	repo     *persistence.Store
	hosts    *hostpool.Registry
	pools    *poolRecorder
	notifier *recordingNotifier
	observer *recordingObserver
	runner   *Runner
}

func newRunnerFixture(t *testing.T, hosts hostpool.StaticDiscovery, client llm.Client) *runnerFixture {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)

	pools := &poolRecorder{}
	f := &runnerFixture{
		db:       db,
		repo:     persistence.NewStore(db),
		hosts:    hostpool.NewRegistry(hosts, hostpool.Options{WaitCeiling: 30 * time.Millisecond, Observer: pools}),
		pools:    pools,
		notifier: newRecordingNotifier(),
		observer: &recordingObserver{},
	}
	f.runner = f.newRunner(client)
	t.Cleanup(func() {
		f.runner.Shutdown()
		_ = db.Close()
	})
	return f
}

func (f *runnerFixture) newRunner(client llm.Client) *Runner {
	protocol := NewProtocol(Deps{
		Store:    f.repo,
		Notifier: f.notifier,
		Observer: f.observer,
		Models:   testModels,
		Ranges:   testRanges,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	})
	return NewRunner(RunnerConfig{
		Protocol:   protocol,
		Repository: f.repo,
		Hosts:      f.hosts,
		Clients:    func(string) llm.Client { return client },
		Notifier:   f.notifier,
		Observer:   f.observer,
	})
}

func (f *runnerFixture) session(t *testing.T) *Session {
	t.Helper()
	s, err := f.runner.CreateSession(context.Background(), testRound, offer.RoleSupplier, 4)
	require.NoError(t, err)
	return s
}

// negotiating returns a session whose user constraint is already known.
func (f *runnerFixture) negotiating(t *testing.T) *Session {
	t.Helper()
	s := f.session(t)
	require.NoError(t, f.repo.SetUserConstraint(context.Background(), s.ID, 11))
	s.ConstraintUser = offer.Float(11)
	s.State = StateAwaitingUserReply
	return s
}

func unblocks(p proto.Push) bool { return p.Unblock }

type poolRecorder struct {
	mu       sync.Mutex
	acquires int
	forgot   []string
}

func (p *poolRecorder) ObserveAcquire(string, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
}

func (p *poolRecorder) ObserveRelease(string, bool) {}

func (p *poolRecorder) ForgetRound(round string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgot = append(p.forgot, round)
}

func (p *poolRecorder) forgotten() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.forgot...)
}

func (p *poolRecorder) acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

// gateClient holds every call until release is closed.
type gateClient struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGateClient() *gateClient {
	return &gateClient{started: make(chan struct{}), release: make(chan struct{})}
}

func (c *gateClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
		return llm.CompletionResponse{Content: "[11]"}, nil
	case <-ctx.Done():
		return llm.CompletionResponse{}, ctx.Err()
	}
}

func (c *gateClient) GetModelName() string { return constraintModel }

type panickingClient struct{}

func (panickingClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	panic("backend exploded")
}

func (panickingClient) GetModelName() string { return chatModel }

// overlapClient answers "ok" slowly and records the highest number of calls in flight.
type overlapClient struct {
	inFlight, peak atomic.Int32
}

func (c *overlapClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *overlapClient) GetModelName() string { return chatModel }

func TestRunnerReleasesHostAfterTurn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	client := newScriptedClient(map[string][]string{constraintModel: {"[11]"}})
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a"}, client)
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat("my market price is 11")))
	f.runner.Wait()

	assert.Equal(t, 1, f.hosts.Size(testRound))
	assert.Equal(t, []string{"chat:ok"}, f.observer.turnOutcomes())
	assert.Zero(t, f.notifier.count(s.ID, unblocks))

	rec, err := f.repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.InitialConstraint)
	assert.Equal(t, 11, *rec.InitialConstraint)
}

func TestRunnerWithoutHostSendsNeutralMessage(t *testing.T) {
	client := newScriptedClient(nil)
	f := newRunnerFixture(t, nil, client)
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat("hello")))
	f.runner.Wait()

	assert.Equal(t, []string{NeutralMessage}, f.notifier.chatLines(s.ID))
	assert.Equal(t, 1, f.notifier.count(s.ID, unblocks))
	assert.Equal(t, []string{"chat:no_host"}, f.observer.turnOutcomes())
	assert.Empty(t, client.calls)
}

func TestRunnerInitialNeedsNoHost(t *testing.T) {
	f := newRunnerFixture(t, nil, newScriptedClient(nil))
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, proto.Event{Type: proto.EventInitial}))
	f.runner.Wait()

	assert.Equal(t, []string{OpeningMessage(offer.RoleSupplier)}, f.notifier.chatLines(s.ID))
	assert.Equal(t, []string{"initial:ok"}, f.observer.turnOutcomes())
}

func TestRunnerRecoversPanickingTurn(t *testing.T) {
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a"}, panickingClient{})
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat("11")))
	f.runner.Wait()

	assert.Equal(t, 1, f.hosts.Size(testRound), "host is returned after a panic")
	assert.Equal(t, 1, f.notifier.count(s.ID, unblocks))
	assert.Equal(t, []string{"chat:panic"}, f.observer.turnOutcomes())

	snap, err := f.runner.Snapshot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, StateEvaluating, snap.State)
}

func TestRunnerSubmitErrors(t *testing.T) {
	f := newRunnerFixture(t, nil, newScriptedClient(nil))
	s := f.session(t)

	err := f.runner.Submit(context.Background(), "missing", chat("hi"))
	assert.ErrorIs(t, err, persistence.ErrSessionNotFound)

	err = f.runner.Submit(context.Background(), s.ID, proto.Event{Type: "shout"})
	assert.ErrorIs(t, err, proto.ErrInvalidEvent)

	f.runner.Shutdown()
	err = f.runner.Submit(context.Background(), s.ID, chat("hi"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunnerAnswersPingInline(t *testing.T) {
	f := newRunnerFixture(t, nil, newScriptedClient(nil))
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, proto.Event{Type: proto.EventPing}))
	assert.Equal(t, 1, f.notifier.count(s.ID, func(p proto.Push) bool { return p.Pong }))
	assert.Empty(t, f.observer.turnOutcomes())
}

func TestRunnerSerializesTurnsOfOneSession(t *testing.T) {
	client := &overlapClient{}
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a", "http://b", "http://c"}, client)
	s := f.session(t)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat(msg)))
	}
	f.runner.Wait()

	assert.Equal(t, int32(1), client.peak.Load())
	assert.Equal(t, []string{"chat:ok", "chat:ok", "chat:ok"}, f.observer.turnOutcomes())
	assert.Equal(t, 3, f.hosts.Size(testRound))

	snap, err := f.runner.Snapshot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Transcript, 6)
}

func TestRunnerReloadsSessionFromRepository(t *testing.T) {
	client := newScriptedClient(map[string][]string{constraintModel: {"[11]"}})
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a"}, client)
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, proto.Event{Type: proto.EventInitial}))
	f.runner.Wait()
	require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat("11 euros")))
	f.runner.Wait()

	fresh := f.newRunner(client)
	defer fresh.Shutdown()

	snap, err := fresh.Snapshot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateElicitingConstraint, snap.State)
	assert.Len(t, snap.Transcript, 3)
	assert.Equal(t, "abc123_1", snap.Round)
	assert.Equal(t, offer.RoleSupplier, snap.BotRole)
}

func TestSnapshotHonoursContextWhileTurnRuns(t *testing.T) {
	client := newGateClient()
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a"}, client)
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat("my market price is 11")))
	<-client.started

	require.NoError(t, f.runner.Exists(context.Background(), s.ID), "existence never waits for the turn")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.runner.Snapshot(ctx, s.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(client.release)
	f.runner.Wait()
	snap, err := f.runner.Snapshot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Transcript)
}

func TestRunnerExists(t *testing.T) {
	f := newRunnerFixture(t, nil, newScriptedClient(nil))
	s := f.session(t)
	ctx := context.Background()

	assert.NoError(t, f.runner.Exists(ctx, s.ID))
	assert.ErrorIs(t, f.runner.Exists(ctx, "missing"), persistence.ErrSessionNotFound)

	fresh := f.newRunner(nil)
	defer fresh.Shutdown()
	assert.NoError(t, fresh.Exists(ctx, s.ID))
	fresh.mu.Lock()
	assert.Empty(t, fresh.slots, "existence checks do not load the session")
	fresh.mu.Unlock()
}

func TestSlotForLoadsOneSlotUnderContention(t *testing.T) {
	f := newRunnerFixture(t, nil, newScriptedClient(nil))
	s := f.session(t)
	fresh := f.newRunner(nil)
	defer fresh.Shutdown()

	slots := make([]*slot, 8)
	var wg conc.WaitGroup
	for i := range slots {
		wg.Go(func() {
			sl, err := fresh.slotFor(context.Background(), s.ID)
			assert.NoError(t, err)
			slots[i] = sl
		})
	}
	wg.Wait()

	require.NotNil(t, slots[0])
	for _, sl := range slots[1:] {
		assert.Same(t, slots[0], sl)
	}
}

func TestRunnerEndsRoundWhenEverySessionFinished(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		readerModel: {"[9, 64]", "[9, 64]"},
		chatModel:   {"Deal!", "Deal!"},
	})
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a"}, client)
	first := f.negotiating(t)
	second := f.negotiating(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Submit(ctx, first.ID, chat("9 euros at quality 64")))
	f.runner.Wait()
	assert.Equal(t, 1, f.hosts.Size(testRound), "the round stays open while a session negotiates")
	assert.Empty(t, f.pools.forgotten())

	require.NoError(t, f.runner.Submit(ctx, second.ID, chat("9 euros at quality 64")))
	f.runner.Wait()
	assert.Equal(t, 0, f.hosts.Size(testRound))
	assert.Equal(t, []string{"abc123_1"}, f.pools.forgotten())
	assert.Equal(t, 2, f.pools.acquired())

	require.NoError(t, f.runner.Submit(ctx, first.ID, chat("one more thing")))
	f.runner.Wait()
	assert.Equal(t, []string{"chat:ok", "chat:ok", "chat:ignored"}, f.observer.turnOutcomes())
	assert.Equal(t, 2, f.pools.acquired(), "late events do not reopen the pool")
	assert.Zero(t, f.notifier.count(first.ID, unblocks))
}

func TestEndRoundRemovesPool(t *testing.T) {
	client := newScriptedClient(map[string][]string{constraintModel: {"[11]"}})
	f := newRunnerFixture(t, hostpool.StaticDiscovery{"http://a"}, client)
	s := f.session(t)

	require.NoError(t, f.runner.Submit(context.Background(), s.ID, chat("11")))
	f.runner.Wait()
	require.Equal(t, 1, f.hosts.Size(testRound))

	f.runner.EndRound(testRound)
	assert.Equal(t, 0, f.hosts.Size(testRound))
	assert.Equal(t, []string{"abc123_1"}, f.pools.forgotten())
}
