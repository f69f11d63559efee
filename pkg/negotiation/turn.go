package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"negotiator/pkg/hostpool"
	"negotiator/pkg/llm"
	"negotiator/pkg/logx"
	"negotiator/pkg/offer"
	"negotiator/pkg/persistence"
	"negotiator/pkg/proto"
)

// Turn outcomes reported to the Observer.
const (
	OutcomeOK     = "ok"
	OutcomeNoHost = "no_host"
	OutcomeError  = "error"
	OutcomePanic  = "panic"
	// OutcomeIgnored marks events that arrived after the negotiation finished.
	OutcomeIgnored = "ignored"
)

// Repository is the session store used by the Runner.
type Repository interface {
	Store
	CreateSession(ctx context.Context, rec *persistence.SessionRecord) error
	GetSession(ctx context.Context, id string) (*persistence.SessionRecord, error)
	Offers(ctx context.Context, sessionID string) (*offer.List, error)
	ChatTurns(ctx context.Context, sessionID string) ([]proto.ChatTurn, error)
	ListRound(ctx context.Context, sessionCode string, round int) ([]*persistence.SessionRecord, error)
}

// HostPool lends backend hosts to turns. *hostpool.Registry implements it.
type HostPool interface {
	Acquire(ctx context.Context, key hostpool.RoundKey) (string, bool)
	Release(key hostpool.RoundKey, host string)
	Remove(key hostpool.RoundKey)
}

// ClientFactory builds the backend client of a turn bound to host.
type ClientFactory func(host string) llm.Client

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Protocol   *Protocol
	Repository Repository
	Hosts      HostPool
	Clients    ClientFactory
	Notifier   Notifier
	Observer   Observer
}

// slot serializes the turns of one session. sem is a one-token lock so readers can give up
// on a turn that holds it.
type slot struct {
	sem     chan struct{}
	session *Session
}

func newSlot(s *Session) *slot {
	return &slot{sem: make(chan struct{}, 1), session: s}
}

func (sl *slot) lock(ctx context.Context) error {
	select {
	case sl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // callers wrap
	}
}

func (sl *slot) unlock() {
	<-sl.sem
}

// Runner executes one goroutine per inbound event. Turns of the same session run one at
// a time; every borrowed host is returned when the turn ends, however it ends.
type Runner struct {
	protocol *Protocol
	repo     Repository
	hosts    HostPool
	clients  ClientFactory
	notifier Notifier
	observer Observer
	logger   *logx.Logger

	ctx    context.Context //nolint:containedctx // lifetime of background turns
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu    sync.Mutex
	slots map[string]*slot
}

// NewRunner creates a runner. Turns run under a context that Shutdown cancels.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		protocol: cfg.Protocol,
		repo:     cfg.Repository,
		hosts:    cfg.Hosts,
		clients:  cfg.Clients,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		logger:   logx.NewLogger("turn"),
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[string]*slot),
	}
}

// CreateSession starts a negotiation against the bot in round of an experiment session.
func (r *Runner) CreateSession(ctx context.Context, round hostpool.RoundKey, botRole offer.Role, constraintBot float64) (*Session, error) {
	rec := &persistence.SessionRecord{
		SessionCode:   round.Session,
		Round:         round.Round,
		BotRole:       botRole,
		ConstraintBot: constraintBot,
	}
	if err := r.repo.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s := NewSession(rec.ID, round, botRole, constraintBot)
	r.mu.Lock()
	r.slots[s.ID] = newSlot(s)
	r.mu.Unlock()
	r.logger.Info("session %s created for round %s, bot is %s", s.ID, round, botRole)
	return s, nil
}

// slotFor returns the in-memory slot of id, loading the session from the repository
// when it is not cached. The load runs outside r.mu; when two callers race, the first
// inserted slot wins.
func (r *Runner) slotFor(ctx context.Context, id string) (*slot, error) {
	if sl, ok := r.cached(id); ok {
		return sl, nil
	}

	s, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots[id]; ok {
		return sl, nil
	}
	sl := newSlot(s)
	r.slots[id] = sl
	return sl, nil
}

func (r *Runner) cached(id string) (*slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[id]
	return sl, ok
}

// Exists reports whether session id is known. It never waits for a running turn.
func (r *Runner) Exists(ctx context.Context, id string) error {
	if _, ok := r.cached(id); ok {
		return nil
	}
	if _, err := r.repo.GetSession(ctx, id); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	return nil
}

func (r *Runner) load(ctx context.Context, id string) (*Session, error) {
	rec, err := r.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	offers, err := r.repo.Offers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load offers: %w", err)
	}
	turns, err := r.repo.ChatTurns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	s := NewSession(rec.ID, hostpool.RoundKey{Session: rec.SessionCode, Round: rec.Round}, rec.BotRole, rec.ConstraintBot)
	s.ConstraintUser = rec.ConstraintUser
	s.InitialConstraint = rec.InitialConstraint
	s.Offers = offers
	s.Transcript = turns
	s.Deal = rec.Deal
	s.restoreState()
	return s, nil
}

// Snapshot is a read-only copy of a session for display.
type Snapshot struct {
	ID         string           `json:"id"`
	Round      string           `json:"round"`
	BotRole    offer.Role       `json:"bot_role"`
	State      State            `json:"state"`
	Transcript []proto.ChatTurn `json:"interactions"`
	Offers     []offer.Offer    `json:"offers"`
	Deal       *offer.Offer     `json:"deal,omitempty"`
}

// Snapshot returns the current state of session id. It waits for a running turn of that
// session to finish, or until ctx is done.
func (r *Runner) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	sl, err := r.slotFor(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := sl.lock(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot of %s: %w", id, err)
	}
	defer sl.unlock()
	s := sl.session
	return Snapshot{
		ID:         s.ID,
		Round:      s.Round.String(),
		BotRole:    s.BotRole,
		State:      s.State,
		Transcript: append([]proto.ChatTurn(nil), s.Transcript...),
		Offers:     s.Offers.All(),
		Deal:       s.Deal,
	}, nil
}

// Submit validates ev and runs it as a background turn of session id. Pings are answered
// inline.
func (r *Runner) Submit(ctx context.Context, id string, ev proto.Event) error {
	if err := ev.Validate(); err != nil {
		return err //nolint:wrapcheck // sentinel already wrapped
	}
	sl, err := r.slotFor(ctx, id)
	if err != nil {
		return err
	}
	if ev.Type == proto.EventPing {
		r.notifier.Publish(id, proto.PongPush())
		return nil
	}
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("runner stopped: %w", err)
	}

	r.wg.Go(func() { r.run(sl, ev) })
	return nil
}

// run executes one turn. The deferred hook is the only place that releases the host and
// unblocks the interface.
func (r *Runner) run(sl *slot, ev proto.Event) {
	if err := sl.lock(r.ctx); err != nil {
		r.logger.Warn("%s turn of %s dropped: %v", ev.Type, sl.session.ID, err)
		r.notifier.Publish(sl.session.ID, proto.UnblockPush())
		r.observer.ObserveTurn(string(ev.Type), OutcomeError)
		return
	}
	defer sl.unlock()

	s := sl.session
	ctx := logx.WithSession(r.ctx, s.ID)
	start := time.Now()
	wasFinished := s.Finished()

	var (
		host     string
		acquired bool
		client   llm.Client
	)
	if NeedsBackend(ev.Type) && !wasFinished {
		host, acquired = r.hosts.Acquire(ctx, s.Round)
		if !acquired {
			r.logger.WarnCtx(ctx, "no backend host for %s event in round %s", ev.Type, s.Round)
			if err := r.protocol.Say(ctx, s, NeutralMessage); err != nil {
				r.logger.ErrorCtx(ctx, "send neutral message: %v", err)
			}
			r.notifier.Publish(s.ID, proto.UnblockPush())
			r.observer.ObserveTurn(string(ev.Type), OutcomeNoHost)
			return
		}
		client = r.clients(host)
	}

	outcome := OutcomeOK
	defer func() {
		if acquired {
			r.hosts.Release(s.Round, host)
		}
		if outcome != OutcomeOK && outcome != OutcomeIgnored {
			r.notifier.Publish(s.ID, proto.UnblockPush())
		}
		if !wasFinished && s.Finished() {
			r.closeRoundIfDone(ctx, s.Round)
		}
		r.observer.ObserveTurn(string(ev.Type), outcome)
		logx.Debug(ctx, "turn", "%s turn finished in %s: %s", ev.Type, time.Since(start), outcome)
	}()

	var err error
	var catcher panics.Catcher
	catcher.Try(func() { err = r.protocol.Handle(ctx, s, client, ev) })

	if rec := catcher.Recovered(); rec != nil {
		outcome = OutcomePanic
		s.abandonTurn()
		r.logger.ErrorCtx(ctx, "%s turn panicked: %v\n%s", ev.Type, rec.Value, rec.Stack)
		return
	}
	if errors.Is(err, ErrSessionFinished) {
		outcome = OutcomeIgnored
		r.logger.WarnCtx(ctx, "%s event ignored: %v", ev.Type, err)
		return
	}
	if err != nil {
		outcome = OutcomeError
		if errors.Is(err, ErrFatalBranch) {
			r.logger.ErrorCtx(ctx, "FATAL %s turn aborted: %v", ev.Type, err)
		} else {
			r.logger.ErrorCtx(ctx, "%s turn failed: %v", ev.Type, err)
		}
	}
}

// closeRoundIfDone ends round once every session of it has reached a deal, and drops the
// finished sessions from the cache.
func (r *Runner) closeRoundIfDone(ctx context.Context, round hostpool.RoundKey) {
	recs, err := r.repo.ListRound(ctx, round.Session, round.Round)
	if err != nil {
		r.logger.WarnCtx(ctx, "list round %s: %v", round, err)
		return
	}
	for _, rec := range recs {
		if !rec.Finished() {
			return
		}
	}

	r.mu.Lock()
	for _, rec := range recs {
		delete(r.slots, rec.ID)
	}
	r.mu.Unlock()
	r.EndRound(round)
}

// EndRound tears down the host pool of round. A later turn of the round starts a fresh pool.
func (r *Runner) EndRound(round hostpool.RoundKey) {
	r.hosts.Remove(round)
	r.logger.Info("round %s ended", round)
}

// Wait blocks until every submitted turn has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting turns, cancels running ones and waits for them.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}
