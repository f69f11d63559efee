package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"negotiator/pkg/bargain"
	"negotiator/pkg/extract"
	"negotiator/pkg/llm"
	"negotiator/pkg/llm/llmerrors"
	"negotiator/pkg/logx"
	"negotiator/pkg/offer"
	"negotiator/pkg/proto"
)

// ErrFatalBranch marks a classifier or counter-offer outcome with no handling rule. The
// turn is aborted and not retried.
var ErrFatalBranch = errors.New("unmapped negotiation branch")

// errNoBackend is returned when an event that needs the backend arrives without a client.
var errNoBackend = errors.New("no backend client bound to turn")

// Store persists what a turn changes.
type Store interface {
	GetProfitRoleConstraints(ctx context.Context, sessionID string) (offer.Role, float64, *float64, error)
	RecordOffer(ctx context.Context, sessionID string, o offer.Offer) error
	RecordChatTurn(ctx context.Context, sessionID string, turn proto.ChatTurn) error
	SetInitialConstraint(ctx context.Context, sessionID string, value int) error
	SetUserConstraint(ctx context.Context, sessionID string, value float64) error
	FinalizeDeal(ctx context.Context, sessionID string, deal offer.Offer) error
}

// Notifier delivers pushes to the interface of a session. *dispatch.Hub implements it.
type Notifier interface {
	Publish(group string, push proto.Push) int
}

// Observer receives negotiation events. *metrics.Recorder implements it.
type Observer interface {
	ObserveEvaluation(evaluation string)
	ObserveTurn(event, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveEvaluation(string)   {}
func (nopObserver) ObserveTurn(string, string) {}

// Models names the backend models used for each kind of request.
type Models struct {
	Chat        string
	Reader      string
	Constraint  string
	Temperature float32
}

// Ranges bound the constraint a user may state for each role.
type Ranges struct {
	ProductionCostLow  float64
	ProductionCostHigh float64
	MarketPriceLow     float64
	MarketPriceHigh    float64
}

// DrawFunc picks a user constraint in [lo, hi] when elicitation fails.
type DrawFunc func(userRole offer.Role, lo, hi float64) float64

// Deps configures a Protocol.
type Deps struct {
	Store     Store
	Notifier  Notifier
	Observer  Observer
	Models    Models
	Ranges    Ranges
	Extractor extract.Extractor

	// InterpretFile and ConstraintsFile receive debug records of backend readings.
	InterpretFile   string
	ConstraintsFile string

	SettleDelay time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
	Draw        DrawFunc
	ShowTrail   bool
}

// Protocol applies inbound events to sessions.
type Protocol struct {
	deps   Deps
	logger *logx.Logger
}

// NewProtocol creates a protocol. Missing optional dependencies get defaults.
func NewProtocol(deps Deps) *Protocol {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Draw == nil {
		deps.Draw = ConstantDraw
	}
	return &Protocol{deps: deps, logger: logx.NewLogger("negotiation")}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller wraps
	}
}

// NeedsBackend reports whether handling t calls the backend.
func NeedsBackend(t proto.EventType) bool {
	return t == proto.EventChat || t == proto.EventPropose
}

// Handle applies ev to s. client is the backend bound to the turn's host and may be nil
// for events that do not need one. A backend failure is answered with LLMError and is
// not returned; errors returned abort the turn.
func (p *Protocol) Handle(ctx context.Context, s *Session, client llm.Client, ev proto.Event) error {
	if s.Finished() {
		p.deps.Notifier.Publish(s.ID, proto.FinishedPush())
		return fmt.Errorf("%s event on %s: %w", ev.Type, s.ID, ErrSessionFinished)
	}
	if err := ev.Validate(); err != nil {
		return err //nolint:wrapcheck // sentinel already wrapped
	}
	if NeedsBackend(ev.Type) && client == nil {
		return errNoBackend
	}

	var err error
	switch ev.Type {
	case proto.EventPing:
		p.deps.Notifier.Publish(s.ID, proto.PongPush())
	case proto.EventInitial:
		err = p.Initial(ctx, s)
	case proto.EventChat:
		err = p.Chat(ctx, s, client, ev.Body)
	case proto.EventPropose:
		err = p.Propose(ctx, s, client, ev.Price, ev.Quality)
	case proto.EventAccept:
		err = p.Accept(ctx, s, *ev.Price, *ev.Quality)
	default:
		err = fmt.Errorf("%w: %q", proto.ErrInvalidEvent, ev.Type)
	}

	var backendErr *llmerrors.Error
	if errors.As(err, &backendErr) {
		return p.backendFailure(ctx, s, backendErr)
	}
	if err != nil {
		s.abandonTurn()
	}
	return err
}

// backendFailure tells the user the backend is unreachable. Neither offers nor the
// transcript are touched.
func (p *Protocol) backendFailure(ctx context.Context, s *Session, err *llmerrors.Error) error {
	if err.Type == llmerrors.ErrorTypeTransient {
		p.logger.WarnCtx(ctx, "backend unreachable: %v", err)
	} else {
		p.logger.ErrorCtx(ctx, "backend failed (%s): %v", err.Type, err)
	}
	p.deps.Notifier.Publish(s.ID, proto.ChatPush(proto.ChatTurn{
		Speaker: proto.SpeakerBot, Content: LLMError, Timestamp: time.Now().UTC(),
	}))
	s.abandonTurn()
	return nil
}

// Initial sends the role-specific opening line.
func (p *Protocol) Initial(ctx context.Context, s *Session) error {
	if s.State != StateInitial {
		p.logger.Debug("initial event in state %s ignored", s.State)
		return nil
	}
	if err := p.say(ctx, s, OpeningMessage(s.BotRole)); err != nil {
		return err
	}
	return s.transitionTo(StateAwaitingUserReply)
}

// Chat handles a free-text message of the user.
func (p *Protocol) Chat(ctx context.Context, s *Session, client llm.Client, text string) error {
	turn := proto.ChatTurn{Speaker: proto.SpeakerUser, Content: text, Timestamp: time.Now().UTC()}
	if err := p.deps.Store.RecordChatTurn(ctx, s.ID, turn); err != nil {
		return fmt.Errorf("record user chat: %w", err)
	}
	s.Transcript = append(s.Transcript, turn)

	if !s.ConstraintKnown() {
		return p.elicit(ctx, s, client, text)
	}

	userOffer, err := p.interpretOffer(ctx, client, text, UserIndex)
	if err != nil {
		return err
	}
	price, quality := termString(userOffer.Price, userOffer.Quality)
	s.tracef("(%4s, %4s) ", price, quality)

	if err := p.appendOffer(ctx, s, userOffer); err != nil {
		return err
	}
	return p.evaluate(ctx, s, client, userOffer, text)
}

// Propose handles a structured proposal made through the interface.
func (p *Protocol) Propose(ctx context.Context, s *Session, client llm.Client, price *float64, quality *int) error {
	userOffer := offer.New(UserIndex, offer.OriginInterface, price, quality)
	if err := p.appendOffer(ctx, s, userOffer); err != nil {
		return err
	}
	p.deps.Notifier.Publish(s.ID, proto.OffersPush(s.Offers.All()))

	if !s.ConstraintKnown() {
		return p.say(ctx, s, ConstraintClarify(s.UserRole()))
	}
	ps, qs := termString(price, quality)
	return p.evaluate(ctx, s, client, userOffer, fmt.Sprintf("I propose a price of %s and a quality of %s.", ps, qs))
}

// Accept closes the deal on the terms of the bot's offer the user accepted.
func (p *Protocol) Accept(ctx context.Context, s *Session, price float64, quality int) error {
	if last, ok := s.Offers.LatestFrom(offer.BotIndex); !ok || last.Price == nil || last.Quality == nil ||
		*last.Price != price || *last.Quality != quality {
		p.logger.WarnCtx(ctx, "user accepted [%.2f, %d], which is not the bot's latest offer", price, quality)
	}

	deal := offer.New(UserIndex, offer.OriginInterface, &price, &quality).
		WithProfits(s.BotRole, &s.ConstraintBot, s.ConstraintUser)
	return p.finalize(ctx, s, deal)
}

func (p *Protocol) finalize(ctx context.Context, s *Session, deal offer.Offer) error {
	if !IsValidTransition(s.State, StateAccepted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, StateAccepted)
	}
	if err := p.deps.Store.FinalizeDeal(ctx, s.ID, deal); err != nil {
		return fmt.Errorf("finalize deal: %w", err)
	}
	s.State = StateAccepted
	s.Deal = &deal
	p.logger.InfoCtx(ctx, "deal closed: %s", deal)
	p.deps.Notifier.Publish(s.ID, proto.FinishedPush())
	return nil
}

// evaluate classifies the user's latest offer and answers it.
func (p *Protocol) evaluate(ctx context.Context, s *Session, client llm.Client, userOffer offer.Offer, message string) error {
	if err := s.transitionTo(StateEvaluating); err != nil {
		return err
	}

	role, constraintBot, constraintUser, err := p.deps.Store.GetProfitRoleConstraints(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("load constraints: %w", err)
	}
	if constraintUser == nil {
		constraintUser = s.ConstraintUser
	}
	if constraintUser == nil {
		return fmt.Errorf("evaluate %s: user constraint unknown", s.ID)
	}
	s.BotRole, s.ConstraintBot, s.ConstraintUser = role, constraintBot, constraintUser

	s.Offers.Recompute(s.BotRole, &s.ConstraintBot, s.ConstraintUser)
	userOffer = userOffer.WithProfits(s.BotRole, &s.ConstraintBot, s.ConstraintUser)

	evaluation, err := bargain.Evaluate(userOffer, s.ConstraintBot, *s.ConstraintUser)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatalBranch, err)
	}
	p.deps.Observer.ObserveEvaluation(evaluation.String())

	target := bargain.Nash(s.ConstraintBot, *s.ConstraintUser)
	price, quality := termString(userOffer.Price, userOffer.Quality)
	s.tracef("E (%s, %s) [%.2f, %.2f, %s] U[%.2f, %.2f] ", price, quality, userOffer.ProfitBot, target.Profit, evaluation,
		s.Offers.MinUserProfit(), s.Offers.MaxUserProfit())
	logx.Debug(ctx, "negotiation", "offer %s evaluated as %s (target %.2f)", userOffer, evaluation, target.Profit)

	if evaluation == bargain.Accept {
		return p.accept(ctx, s, client, userOffer, message)
	}
	return p.counter(ctx, s, client, evaluation, userOffer, message)
}

// accept phrases the acceptance, mirrors the user's terms as the bot's final offer and
// closes the deal after the settle delay.
func (p *Protocol) accept(ctx context.Context, s *Session, client llm.Client, userOffer offer.Offer, message string) error {
	text, err := p.phrase(ctx, s, client, AcceptPrompt(userOffer.Origin, message))
	if err != nil {
		return err
	}
	if err := p.say(ctx, s, text); err != nil {
		return err
	}

	mirror := offer.New(offer.BotIndex, userOffer.Origin, userOffer.Price, userOffer.Quality).
		WithProfits(s.BotRole, &s.ConstraintBot, s.ConstraintUser)
	if err := p.appendOffer(ctx, s, mirror); err != nil {
		return err
	}
	p.deps.Notifier.Publish(s.ID, proto.OffersPush(s.Offers.All()))

	if err := p.deps.Sleep(ctx, p.deps.SettleDelay); err != nil {
		return fmt.Errorf("settle delay: %w", err)
	}
	return p.finalize(ctx, s, mirror)
}

// counter answers a non-acceptable offer with a phrased counter-offer.
func (p *Protocol) counter(ctx context.Context, s *Session, client llm.Client, e bargain.Evaluation, userOffer offer.Offer, message string) error {
	c, hasCounter, err := bargain.Propose(e, userOffer, s.ConstraintBot, *s.ConstraintUser)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatalBranch, err)
	}

	in := PromptInput{UserMessage: message, Transcript: s.Transcript}
	if hasCounter {
		in.Optimal = bargain.FormatCounter(c)
		s.tracef("C %s\n", in.Optimal)
	}
	prompt, err := CounterPrompt(e, in)
	if err != nil {
		return err
	}

	text, err := p.phrase(ctx, s, client, prompt)
	if err != nil {
		return err
	}
	botOffer, err := p.interpretOffer(ctx, client, text, offer.BotIndex)
	if err != nil {
		return err
	}

	if !botOffer.IsComplete() && hasCounter {
		p.logger.Debug("phrased reply %q has no complete offer, retrying with directive", text)
		if text, err = p.phrase(ctx, s, client, DirectivePrompt(in)); err != nil {
			return err
		}
		if botOffer, err = p.interpretOffer(ctx, client, text, offer.BotIndex); err != nil {
			return err
		}
	}

	if botOffer.IsComplete() {
		botOffer = botOffer.WithProfits(s.BotRole, &s.ConstraintBot, s.ConstraintUser)
	} else {
		botOffer = botOffer.WithZeroProfits()
	}
	price, quality := termString(botOffer.Price, botOffer.Quality)
	s.tracef(" L (%s, %s) [%.2f]\n", price, quality, botOffer.ProfitBot)

	if err := s.transitionTo(StateCounterOffering); err != nil {
		return err
	}
	if err := p.appendOffer(ctx, s, botOffer); err != nil {
		return err
	}
	if err := p.say(ctx, s, text); err != nil {
		return err
	}
	return s.transitionTo(StateAwaitingUserReply)
}

// phrase asks the chat model to answer prompt and cleans the reply. A reply without
// content becomes the extractor placeholder.
func (p *Protocol) phrase(ctx context.Context, s *Session, client llm.Client, prompt string) (string, error) {
	req := llm.NewCompletionRequest(
		llm.NewSystemMessage(SystemPrompt(s.BotRole)),
		llm.NewUserMessage(prompt),
	).WithModel(p.deps.Models.Chat).WithTemperature(p.deps.Models.Temperature)

	resp, err := client.Complete(ctx, req)
	if llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
		p.logger.WarnCtx(ctx, "backend reply without content: %v", err)
		return p.deps.Extractor.Extract(ctx, "", false), nil
	}
	if err != nil {
		return "", err //nolint:wrapcheck // typed backend error is inspected by Handle
	}
	return p.deps.Extractor.Extract(ctx, resp.Content, true), nil
}

// interpretOffer reads the terms of message with the reader model. Messages without a
// digit are not sent to the backend.
func (p *Protocol) interpretOffer(ctx context.Context, client llm.Client, message string, index int) (offer.Offer, error) {
	reply := extract.EmptyInterpretation
	if extract.HasDigit(message) {
		req := llm.NewCompletionRequest(llm.NewUserMessage(UnderstandingOfferPrompt(message))).
			WithModel(p.deps.Models.Reader)
		resp, err := client.Complete(ctx, req)
		if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
			return offer.Offer{}, err //nolint:wrapcheck // typed backend error is inspected by Handle
		}
		reply = resp.Content
	}

	price, quality := extract.ParseOffer(reply)
	ps, qs := termString(price, quality)
	logx.DebugToFile(ctx, "interpret", p.deps.InterpretFile, "%s;%s;%s;%s",
		extract.Flatten(message), extract.Flatten(reply), ps, qs)
	return offer.New(index, offer.OriginChat, price, quality), nil
}

// say records and delivers a bot message together with the transcript and offers.
func (p *Protocol) say(ctx context.Context, s *Session, text string) error {
	turn := proto.ChatTurn{Speaker: proto.SpeakerBot, Content: text, Timestamp: time.Now().UTC()}
	if err := p.deps.Store.RecordChatTurn(ctx, s.ID, turn); err != nil {
		return fmt.Errorf("record bot chat: %w", err)
	}
	s.Transcript = append(s.Transcript, turn)

	p.deps.Notifier.Publish(s.ID, proto.ChatPush(turn))
	p.deps.Notifier.Publish(s.ID, proto.InteractionsPush(append([]proto.ChatTurn(nil), s.Transcript...)))
	if s.Offers.Len() > 0 {
		p.deps.Notifier.Publish(s.ID, proto.OffersPush(s.Offers.All()))
	}
	if p.deps.ShowTrail && s.trail.Len() > 0 {
		p.deps.Notifier.Publish(s.ID, proto.TrailPush(s.Trail()))
	}
	return nil
}

// Say delivers a fixed bot message outside of a regular turn.
func (p *Protocol) Say(ctx context.Context, s *Session, text string) error {
	return p.say(ctx, s, text)
}

func (p *Protocol) appendOffer(ctx context.Context, s *Session, o offer.Offer) error {
	if err := p.deps.Store.RecordOffer(ctx, s.ID, o); err != nil {
		return fmt.Errorf("record offer: %w", err)
	}
	s.Offers.Append(o)
	return nil
}
