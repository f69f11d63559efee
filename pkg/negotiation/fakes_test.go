package negotiation

import (
	"context"
	"sync"
	"time"

	"negotiator/pkg/llm"
	"negotiator/pkg/llm/llmerrors"
	"negotiator/pkg/offer"
	"negotiator/pkg/proto"
)

const (
	chatModel       = "chat"
	readerModel     = "reader"
	constraintModel = "constraint"
)

var testModels = Models{Chat: chatModel, Reader: readerModel, Constraint: constraintModel, Temperature: 0.1}

var testRanges = Ranges{ProductionCostLow: 3, ProductionCostHigh: 5, MarketPriceLow: 10, MarketPriceHigh: 12}

// scriptedClient answers each model from its own queue; the last reply repeats. An empty
// queue yields an empty-content error.
type scriptedClient struct {
	mu      sync.Mutex
	replies map[string][]string
	err     error
	calls   []llm.CompletionRequest
}

func newScriptedClient(replies map[string][]string) *scriptedClient {
	if replies == nil {
		replies = map[string][]string{}
	}
	return &scriptedClient{replies: replies}
}

func (c *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return llm.CompletionResponse{}, c.err
	}
	q := c.replies[req.Model]
	if len(q) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content")
	}
	if len(q) > 1 {
		c.replies[req.Model] = q[1:]
	}
	return llm.CompletionResponse{Content: q[0], Model: req.Model}, nil
}

func (c *scriptedClient) GetModelName() string { return chatModel }

func (c *scriptedClient) callsTo(model string) []llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []llm.CompletionRequest
	for _, r := range c.calls {
		if r.Model == model {
			out = append(out, r)
		}
	}
	return out
}

func lastUserContent(req llm.CompletionRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

// memStore keeps one session in memory.
type memStore struct {
	mu      sync.Mutex
	role    offer.Role
	cb      float64
	cu      *float64
	initial *int
	offers  []offer.Offer
	turns   []proto.ChatTurn
	deal    *offer.Offer
}

func (m *memStore) GetProfitRoleConstraints(context.Context, string) (offer.Role, float64, *float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role, m.cb, m.cu, nil
}

func (m *memStore) RecordOffer(_ context.Context, _ string, o offer.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, o)
	return nil
}

func (m *memStore) RecordChatTurn(_ context.Context, _ string, turn proto.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

func (m *memStore) SetInitialConstraint(_ context.Context, _ string, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initial = &v
	return nil
}

func (m *memStore) SetUserConstraint(_ context.Context, _ string, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cu = &v
	return nil
}

func (m *memStore) FinalizeDeal(_ context.Context, _ string, deal offer.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deal = &deal
	return nil
}

// recordingNotifier keeps every push per group.
type recordingNotifier struct {
	mu     sync.Mutex
	pushes map[string][]proto.Push
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{pushes: map[string][]proto.Push{}}
}

func (n *recordingNotifier) Publish(group string, push proto.Push) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes[group] = append(n.pushes[group], push)
	return 1
}

func (n *recordingNotifier) all(group string) []proto.Push {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]proto.Push(nil), n.pushes[group]...)
}

// chatLines returns the contents of every chat push of group in order.
func (n *recordingNotifier) chatLines(group string) []string {
	var out []string
	for _, p := range n.all(group) {
		for _, t := range p.Chat {
			out = append(out, t.Content)
		}
	}
	return out
}

func (n *recordingNotifier) count(group string, pred func(proto.Push) bool) int {
	c := 0
	for _, p := range n.all(group) {
		if pred(p) {
			c++
		}
	}
	return c
}

type recordingObserver struct {
	mu          sync.Mutex
	evaluations []string
	turns       []string
}

func (o *recordingObserver) ObserveEvaluation(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evaluations = append(o.evaluations, e)
}

func (o *recordingObserver) ObserveTurn(event, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, event+":"+outcome)
}

func (o *recordingObserver) turnOutcomes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.turns...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return nil
}
