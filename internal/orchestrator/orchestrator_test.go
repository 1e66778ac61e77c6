package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"CryptoReason-Chain/internal/config"
	"CryptoReason-Chain/internal/escrow"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/observability/alerting"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
)

type call struct {
	target string
	msg    protocol.Message
}

type fakeBus struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]func(msg protocol.Message) (protocol.Message, error)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(protocol.Message) (protocol.Message, error))}
}

func (f *fakeBus) on(target string, fn func(msg protocol.Message) (protocol.Message, error)) {
	f.handlers[target] = fn
}

func (f *fakeBus) SendAndAwait(_ context.Context, target string, msg protocol.Message, _ time.Duration) (transport.Envelope, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{target: target, msg: msg})
	h := f.handlers[target]
	f.mu.Unlock()
	if h == nil {
		return transport.Envelope{}, xerrors.New(xerrors.CodeTimeout, "no reply from "+target)
	}
	reply, err := h(msg)
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.NewEnvelope(reply.MessageType(), reply)
}

func (f *fakeBus) callsTo(target string) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, c := range f.calls {
		if c.target == target {
			out = append(out, c.msg)
		}
	}
	return out
}

type fakeSettler struct {
	mu        sync.Mutex
	fees      int
	rewards   int
	rewardErr error
}

func (s *fakeSettler) Wallet() string { return "0xobligor" }

func (s *fakeSettler) PayFee(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees++
	return fmt.Sprintf("0xfee%d", s.fees), nil
}

func (s *fakeSettler) RequestReward(context.Context) (escrow.RewardOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards++
	if s.rewardErr != nil {
		return escrow.RewardOutcome{}, s.rewardErr
	}
	return escrow.RewardOutcome{Status: protocol.StatusSuccess, TxHash: fmt.Sprintf("0xreward%d", s.rewards), Verified: true}, nil
}

func (s *fakeSettler) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fees, s.rewards
}

func (s *fakeSettler) failRewards(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewardErr = err
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *fakeAlerts) Notify(_ context.Context, ev alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAlerts) sent() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.events...)
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Network:           "base",
		RiskProfile:       "moderate",
		InvestorType:      "speculative",
		Rounds:            4,
		HeartbeatTimeout:  config.Duration{Duration: time.Second},
		CollectTimeout:    config.Duration{Duration: time.Second},
		ReasoningTimeout:  config.Duration{Duration: time.Second},
		SwapTimeout:       config.Duration{Duration: time.Second},
		SettlementTimeout: config.Duration{Duration: time.Second},
		NewsLimit:         3,
		SentimentLimit:    1,
		BuyAmount:         0.1,
		SellAmount:        0.00007,
		BuyRoute:          "tag:swaplandbaseusdceth",
		SellRoute:         "tag:swaplandbaseethusdc",
		FeeGate:           config.FeeGateConfig{Enabled: true},
	}
}

// healthyBus 应答所有上游，最后一轮推理返回 finalDecision。
func healthyBus(rounds int, finalDecision string) *fakeBus {
	bus := newFakeBus()
	bus.on(protocol.RoleHeartbeat, func(protocol.Message) (protocol.Message, error) {
		return protocol.Heartbeat{Status: protocol.StatusContinue}, nil
	})
	bus.on(protocol.RoleCoin, func(protocol.Message) (protocol.Message, error) {
		return protocol.CoinResponse{Name: "Ethereum", Symbol: "eth", CurrentPrice: 2500, PriceChange24h: -12}, nil
	})
	bus.on(protocol.RoleNews, func(protocol.Message) (protocol.Message, error) {
		return protocol.NewsResponse{Updates: "regulators tighten rules"}, nil
	})
	bus.on(protocol.RoleSentiment, func(protocol.Message) (protocol.Message, error) {
		return protocol.SentimentResponse{Value: 20, Classification: "Extreme Fear"}, nil
	})
	var mu sync.Mutex
	round := 0
	bus.on(protocol.RoleReasoning, func(protocol.Message) (protocol.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		round++
		if round%rounds == 0 {
			return protocol.ReasoningResponse{Decision: finalDecision}, nil
		}
		return protocol.ReasoningResponse{Decision: fmt.Sprintf("round %d: the market looks weak", round)}, nil
	})
	bus.on(protocol.RoleSwap, func(protocol.Message) (protocol.Message, error) {
		return protocol.SwapResponse{Status: protocol.StatusAccepted}, nil
	})
	return bus
}

func TestSellScenarioDispatchesSwap(t *testing.T) {
	bus := healthyBus(4, "Prices fell 12% amid fear.\nSIGNAL: SELL")
	settler := &fakeSettler{}
	orch, err := New(testConfig(), bus, WithSettler(settler, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := orch.RunCycle(context.Background())
	if result.Err != nil || result.Outcome != OutcomeDispatched {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Signal != SignalSell {
		t.Fatalf("expected SELL, got %s", result.Signal)
	}
	if got := len(bus.callsTo(protocol.RoleReasoning)); got != 4 {
		t.Fatalf("expected 4 reasoning round-trips, got %d", got)
	}

	swaps := bus.callsTo(protocol.RoleSwap)
	if len(swaps) != 1 {
		t.Fatalf("expected one swap request, got %d", len(swaps))
	}
	req := swaps[0].(protocol.SwapRequest)
	if req.Signal != "sell" || req.Amount != 0.00007 || req.Route != "tag:swaplandbaseethusdc" || req.Blockchain != "base" {
		t.Fatalf("unexpected swap request: %+v", req)
	}

	sess := orch.Session()
	if sess.RoundsRemaining != 0 || sess.LastSignal != "SELL" || sess.Outcome != OutcomeDispatched {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.FeeTxHash != "0xfee1" {
		t.Fatalf("fee was not recorded: %q", sess.FeeTxHash)
	}
	if len(sess.PendingTransactions) != 1 || sess.PendingTransactions[0].Status != StatusPending {
		t.Fatalf("expected one pending entry, got %+v", sess.PendingTransactions)
	}
	if _, rewards := settler.counts(); rewards != 0 {
		t.Fatalf("reward must wait for swap completion, got %d requests", rewards)
	}
}

func TestReasoningQueriesCarryContext(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: BUY")
	orch, err := New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orch.RunCycle(context.Background())

	queries := bus.callsTo(protocol.RoleReasoning)
	if len(queries) != 4 {
		t.Fatalf("expected 4 queries, got %d", len(queries))
	}
	for i, msg := range queries {
		q := msg.(protocol.ReasoningRequest).Query
		for _, want := range []string{"base", "moderate", "speculative", "Extreme Fear", "-12.00%"} {
			if !strings.Contains(q, want) {
				t.Fatalf("round %d query misses %q", i+1, want)
			}
		}
	}
	first := queries[0].(protocol.ReasoningRequest).Query
	if strings.Contains(first, "Prior expert reasoning") {
		t.Fatalf("first round must not carry prior reasoning")
	}
	second := queries[1].(protocol.ReasoningRequest).Query
	if !strings.Contains(second, "round 1: the market looks weak") {
		t.Fatalf("second round should include the previous answer")
	}
	last := queries[3].(protocol.ReasoningRequest).Query
	if !strings.Contains(last, "SIGNAL: HOLD") {
		t.Fatalf("final round should demand a signal marker")
	}

	swaps := bus.callsTo(protocol.RoleSwap)
	if len(swaps) != 1 || swaps[0].(protocol.SwapRequest).Amount != 0.1 {
		t.Fatalf("expected buy swap of 0.1, got %+v", swaps)
	}
}

func TestHeartbeatStopSkipsCycle(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	bus.on(protocol.RoleHeartbeat, func(protocol.Message) (protocol.Message, error) {
		return protocol.Heartbeat{Status: protocol.StatusStop}, nil
	})
	settler := &fakeSettler{}
	orch, err := New(testConfig(), bus, WithSettler(settler, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := orch.RunCycle(context.Background())
	if result.Outcome != OutcomeStopped {
		t.Fatalf("expected stopped, got %+v", result)
	}
	if fees, _ := settler.counts(); fees != 0 {
		t.Fatalf("fee must not be paid when heartbeat stops")
	}
	if len(bus.callsTo(protocol.RoleCoin)) != 0 {
		t.Fatalf("collection must not start")
	}
}

func TestUnknownHeartbeatFailsClosed(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	bus.on(protocol.RoleHeartbeat, func(protocol.Message) (protocol.Message, error) {
		return protocol.Heartbeat{Status: "maybe"}, nil
	})
	orch, err := New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := orch.RunCycle(context.Background())
	if result.Outcome != OutcomeAborted || !errors.Is(result.Err, xerrors.New(CodeCycleAborted, "")) {
		t.Fatalf("expected aborted cycle, got %+v", result)
	}
}

func TestCollectFailureAbortsWithoutTrading(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	bus.on(protocol.RoleNews, func(protocol.Message) (protocol.Message, error) {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "feed down")
	})
	orch, err := New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := orch.RunCycle(context.Background())
	if result.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted, got %+v", result)
	}
	if len(bus.callsTo(protocol.RoleReasoning)) != 0 || len(bus.callsTo(protocol.RoleSwap)) != 0 {
		t.Fatalf("no reasoning or swap may follow a failed collection")
	}
	if sess := orch.Session(); sess.Error == "" || sess.Phase != PhaseIdle {
		t.Fatalf("session should record the failure: %+v", sess)
	}
}

func TestReasoningFailureAbortsCycle(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	bus.on(protocol.RoleReasoning, func(protocol.Message) (protocol.Message, error) {
		return protocol.ReasoningResponse{Decision: "  "}, nil
	})
	orch, err := New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := orch.RunCycle(context.Background())
	if xerrors.CodeOf(result.Err) != CodeReasoningFailure {
		t.Fatalf("expected reasoning failure, got %v", result.Err)
	}
	if len(bus.callsTo(protocol.RoleSwap)) != 0 {
		t.Fatalf("no default signal may be dispatched")
	}
}

func TestRejectedSwapRecordsFailedEntry(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	bus.on(protocol.RoleSwap, func(protocol.Message) (protocol.Message, error) {
		return protocol.SwapResponse{Status: protocol.StatusRejected}, nil
	})
	orch, err := New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := orch.RunCycle(context.Background())
	if result.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted, got %+v", result)
	}
	pending, completed := orch.Transactions()
	if len(pending) != 0 {
		t.Fatalf("rejected swap must not leave a pending entry: %+v", pending)
	}
	if len(completed) != 1 || completed[0].Status != StatusFailed || completed[0].CycleID != result.CycleID {
		t.Fatalf("expected one failed entry for the cycle, got %+v", completed)
	}

	// 失败条目不会再匹配后续的完成通知。
	done := protocol.SwapCompleted{Status: protocol.StatusSwapCompleted}
	if err := orch.HandleSwapCompleted(context.Background(), transport.Envelope{}, done); err != nil {
		t.Fatalf("HandleSwapCompleted: %v", err)
	}
	if _, completed := orch.Transactions(); len(completed) != 1 || completed[0].Status != StatusFailed {
		t.Fatalf("failed entry must stay failed: %+v", completed)
	}
}

func TestUnansweredSwapRecordsFailedEntry(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: BUY")
	bus.on(protocol.RoleSwap, func(protocol.Message) (protocol.Message, error) {
		return nil, xerrors.New(xerrors.CodeTimeout, "swap executor silent")
	})
	orch, err := New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if result := orch.RunCycle(context.Background()); result.Outcome != OutcomeAborted {
		t.Fatalf("expected aborted, got %+v", result)
	}
	pending, completed := orch.Transactions()
	if len(pending) != 0 || len(completed) != 1 || completed[0].Status != StatusFailed {
		t.Fatalf("expected one failed entry, got %+v / %+v", pending, completed)
	}
}

func TestCompletionBeforeAckSettlesEntry(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	settler := &fakeSettler{}
	var orch *Orchestrator
	bus.on(protocol.RoleSwap, func(protocol.Message) (protocol.Message, error) {
		pending, _ := orch.Transactions()
		if len(pending) != 1 || pending[0].Status != StatusDispatching {
			return nil, fmt.Errorf("entry must exist before the request is answered: %+v", pending)
		}
		done := protocol.SwapCompleted{Status: protocol.StatusSwapCompleted, Message: "filled"}
		if err := orch.HandleSwapCompleted(context.Background(), transport.Envelope{Sender: "swap"}, done); err != nil {
			return nil, err
		}
		return protocol.SwapResponse{Status: protocol.StatusAccepted}, nil
	})
	var err error
	orch, err = New(testConfig(), bus, WithSettler(settler, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := orch.RunCycle(context.Background())
	if result.Outcome != OutcomeDispatched {
		t.Fatalf("expected dispatched, got %+v", result)
	}
	pending, completed := orch.Transactions()
	if len(pending) != 0 || len(completed) != 1 {
		t.Fatalf("early completion was lost: pending=%d completed=%d", len(pending), len(completed))
	}
	if completed[0].Status != StatusCompleted || completed[0].CycleID != result.CycleID {
		t.Fatalf("unexpected entry: %+v", completed[0])
	}
	if _, rewards := settler.counts(); rewards != 1 {
		t.Fatalf("expected one reward request, got %d", rewards)
	}
}

func TestInProgressBeforeAckKeepsStatus(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: BUY")
	var orch *Orchestrator
	bus.on(protocol.RoleSwap, func(protocol.Message) (protocol.Message, error) {
		update := protocol.SwapCompleted{Status: protocol.StatusInProgress}
		if err := orch.HandleSwapCompleted(context.Background(), transport.Envelope{}, update); err != nil {
			return nil, err
		}
		return protocol.SwapResponse{Status: protocol.StatusAccepted}, nil
	})
	var err error
	orch, err = New(testConfig(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orch.RunCycle(context.Background())
	pending, _ := orch.Transactions()
	if len(pending) != 1 || pending[0].Status != StatusInProgress {
		t.Fatalf("ack must not roll the entry back to pending: %+v", pending)
	}
}

func TestHoldRequestsRewardImmediately(t *testing.T) {
	bus := healthyBus(4, "Nothing to do. SIGNAL: HOLD")
	settler := &fakeSettler{}
	orch, err := New(testConfig(), bus, WithSettler(settler, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := orch.RunCycle(context.Background())
	if result.Outcome != OutcomeHeld {
		t.Fatalf("expected held, got %+v", result)
	}
	if len(bus.callsTo(protocol.RoleSwap)) != 0 {
		t.Fatalf("HOLD must not dispatch a swap")
	}
	if fees, rewards := settler.counts(); fees != 1 || rewards != 1 {
		t.Fatalf("expected one fee and one reward, got %d/%d", fees, rewards)
	}
}

func TestLateCompletionUpdatesEarlierCycle(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	settler := &fakeSettler{}
	orch, err := New(testConfig(), bus, WithSettler(settler, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := orch.RunCycle(context.Background())
	if first.Outcome != OutcomeDispatched {
		t.Fatalf("first cycle: %+v", first)
	}

	bus.on(protocol.RoleHeartbeat, func(protocol.Message) (protocol.Message, error) {
		return protocol.Heartbeat{Status: protocol.StatusStop}, nil
	})
	second := orch.RunCycle(context.Background())
	if second.Outcome != OutcomeStopped {
		t.Fatalf("second cycle: %+v", second)
	}

	ctx := context.Background()
	done := protocol.SwapCompleted{Status: protocol.StatusSwapCompleted, Message: "tx confirmed"}
	if err := orch.HandleSwapCompleted(ctx, transport.Envelope{Sender: "swap"}, done); err != nil {
		t.Fatalf("HandleSwapCompleted: %v", err)
	}
	if err := orch.HandleSwapCompleted(ctx, transport.Envelope{Sender: "swap"}, done); err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}

	pending, completed := orch.Transactions()
	if len(pending) != 0 || len(completed) != 1 {
		t.Fatalf("expected entry to move to completed, got %d/%d", len(pending), len(completed))
	}
	entry := completed[0]
	if entry.CycleID != first.CycleID || entry.Status != StatusCompleted || entry.CompletedAt == nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !entry.RewardRequested || entry.RewardTxHash != "0xreward1" {
		t.Fatalf("reward not tracked: %+v", entry)
	}
	if _, rewards := settler.counts(); rewards != 1 {
		t.Fatalf("expected exactly one reward request, got %d", rewards)
	}
}

func TestCompletionStatuses(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: BUY")
	settler := &fakeSettler{}
	orch, err := New(testConfig(), bus, WithSettler(settler, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orch.RunCycle(context.Background())

	ctx := context.Background()
	_ = orch.HandleSwapCompleted(ctx, transport.Envelope{}, protocol.SwapCompleted{Status: protocol.StatusInProgress})
	pending, _ := orch.Transactions()
	if len(pending) != 1 || pending[0].Status != StatusInProgress {
		t.Fatalf("expected in_progress entry, got %+v", pending)
	}

	if _, rewards := settler.counts(); rewards != 0 {
		t.Fatalf("in_progress must not request a reward, got %d", rewards)
	}

	_ = orch.HandleSwapCompleted(ctx, transport.Envelope{}, protocol.SwapCompleted{Status: "error", Message: "slippage"})
	_ = orch.HandleSwapCompleted(ctx, transport.Envelope{}, protocol.SwapCompleted{Status: "error", Message: "slippage"})
	pending, completed := orch.Transactions()
	if len(pending) != 0 || len(completed) != 1 || completed[0].Status != StatusFailed {
		t.Fatalf("expected failed entry, got %+v / %+v", pending, completed)
	}
	if completed[0].CompletedAt == nil || !completed[0].RewardRequested {
		t.Fatalf("failed entry must be closed and settled: %+v", completed[0])
	}
	if _, rewards := settler.counts(); rewards != 1 {
		t.Fatalf("failed swap must request exactly one reward, got %d", rewards)
	}
}

func TestRewardAlertCarriesEntryCycle(t *testing.T) {
	bus := healthyBus(4, "SIGNAL: SELL")
	settler := &fakeSettler{}
	alerts := &fakeAlerts{}
	orch, err := New(testConfig(), bus, WithSettler(settler, nil), WithAlerts(alerts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := orch.RunCycle(context.Background())
	if first.Outcome != OutcomeDispatched {
		t.Fatalf("first cycle: %+v", first)
	}
	bus.on(protocol.RoleHeartbeat, func(protocol.Message) (protocol.Message, error) {
		return protocol.Heartbeat{Status: protocol.StatusStop}, nil
	})
	second := orch.RunCycle(context.Background())
	if second.CycleID == first.CycleID {
		t.Fatalf("expected a fresh cycle id")
	}
	before := len(alerts.sent())

	settler.failRewards(xerrors.New(xerrors.CodeSettlementFailure, "reward agent offline"))
	done := protocol.SwapCompleted{Status: protocol.StatusSwapCompleted}
	if err := orch.HandleSwapCompleted(context.Background(), transport.Envelope{}, done); err != nil {
		t.Fatalf("HandleSwapCompleted: %v", err)
	}
	events := alerts.sent()
	if len(events) != before+1 {
		t.Fatalf("expected one reward alert, got %d", len(events)-before)
	}
	if ev := events[len(events)-1]; ev.CycleID != first.CycleID {
		t.Fatalf("alert tagged with cycle %q, want %q", ev.CycleID, first.CycleID)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	store := SessionStore{Path: filepath.Join(t.TempDir(), "session.json")}
	bus := healthyBus(4, "SIGNAL: SELL")
	orch, err := New(testConfig(), bus, WithSessionStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orch.RunCycle(context.Background())

	restored, err := New(testConfig(), bus, WithSessionStore(store))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	pending, _ := restored.Transactions()
	if len(pending) != 1 || pending[0].Signal != "SELL" {
		t.Fatalf("pending entry not restored: %+v", pending)
	}
	if sess := restored.Session(); sess.Outcome != OutcomeDispatched {
		t.Fatalf("unexpected restored session: %+v", sess)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	orch, err := New(testConfig(), newFakeBus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !orch.Trigger() {
		t.Fatalf("first trigger should be queued")
	}
	if orch.Trigger() {
		t.Fatalf("second trigger should be coalesced")
	}
}
