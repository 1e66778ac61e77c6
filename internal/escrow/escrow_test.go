package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/internal/ledger"
	"CryptoReason-Chain/internal/observability/alerting"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
)

const (
	obligorAddr   = "agent://orchestrator"
	obligorWallet = "fetch1orchestrator"
	escrowWallet  = "fetch1escrow"
	denom         = "atestfet"
)

var (
	fee    = big.NewInt(6)
	reward = big.NewInt(2)
)

// loopback 把付款方的请求直接交给收款方处理，并把收款方的响应带回。
type loopback struct {
	cp     *Counterparty
	sender string
	last   transport.Envelope
	calls  int
}

func (l *loopback) Reply(_ context.Context, request transport.Envelope, msg protocol.Message) error {
	env, err := transport.NewEnvelope(msg.MessageType(), msg)
	if err != nil {
		return err
	}
	env.Sender = "agent://escrow"
	env.Target = request.Sender
	env.CorrelationID = request.CorrelationID
	l.last = env
	return nil
}

func (l *loopback) SendAndAwait(ctx context.Context, _ string, msg protocol.Message, _ time.Duration) (transport.Envelope, error) {
	l.calls++
	env, err := transport.NewEnvelope(msg.MessageType(), msg)
	if err != nil {
		return transport.Envelope{}, err
	}
	env.Sender = l.sender
	env.CorrelationID = "corr"
	l.last = transport.Envelope{}

	switch m := msg.(type) {
	case protocol.PaymentInquiry:
		err = l.cp.HandleInquiry(ctx, env, m)
	case protocol.TransactionInfo:
		err = l.cp.HandleTransaction(ctx, env, m)
	case protocol.RewardRequest:
		err = l.cp.HandleRewardRequest(ctx, env, m)
	default:
		return transport.Envelope{}, errors.New("unexpected message")
	}
	if err != nil {
		return transport.Envelope{}, err
	}
	return l.last, nil
}

type harness struct {
	chain    *ledger.MemoryChain
	store    *MemoryStore
	cp       *Counterparty
	link     *loopback
	obligor  *Obligor
	payerLed *ledger.MemoryLedger
}

func newHarness(t *testing.T, maxFee *big.Int) *harness {
	t.Helper()
	chain := ledger.NewMemoryChain(denom)
	chain.Fund(obligorWallet, big.NewInt(100))
	chain.Fund(escrowWallet, big.NewInt(100))

	h := &harness{chain: chain, store: NewMemoryStore()}
	h.link = &loopback{sender: obligorAddr}
	h.cp = NewCounterparty(chain.Account(escrowWallet), h.store, h.link,
		Terms{Fee: fee, Reward: reward, Denom: denom},
		WithFinalityTimeout(time.Second))
	h.link.cp = h.cp
	h.payerLed = chain.Account(obligorWallet)
	h.obligor = NewObligor(h.link, h.payerLed, ObligorConfig{
		Counterparty:    "REWARD_AGENT",
		MaxFee:          maxFee,
		Denom:           denom,
		ExpectedReward:  reward,
		Timeout:         time.Second,
		FinalityTimeout: time.Second,
	})
	return h
}

func (h *harness) balance(t *testing.T, addr string) int64 {
	t.Helper()
	bal, err := h.payerLed.Balance(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func TestFeeAndSingleReward(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, big.NewInt(10))

	txHash, err := h.obligor.PayFee(ctx)
	if err != nil {
		t.Fatalf("pay fee: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected fee tx hash")
	}
	if got := h.balance(t, obligorWallet); got != 94 {
		t.Fatalf("unexpected obligor balance %d", got)
	}
	records, _ := h.store.List(ctx, obligorAddr)
	if len(records) != 1 || records[0].Wallet != obligorWallet {
		t.Fatalf("unexpected escrow records %+v", records)
	}

	outcome, err := h.obligor.RequestReward(ctx)
	if err != nil {
		t.Fatalf("request reward: %v", err)
	}
	if outcome.Status != protocol.StatusSuccess || !outcome.Verified {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if got := h.balance(t, obligorWallet); got != 96 {
		t.Fatalf("unexpected obligor balance after reward %d", got)
	}

	again, err := h.obligor.RequestReward(ctx)
	if err != nil {
		t.Fatalf("second reward request: %v", err)
	}
	if again.Status != protocol.StatusNotFound {
		t.Fatalf("expected not_found, got %+v", again)
	}
	if got := h.balance(t, obligorWallet); got != 96 {
		t.Fatalf("second reward must not move funds, balance %d", got)
	}
}

func TestMismatchedPaymentCreatesNoRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	hash, err := h.payerLed.Transfer(ctx, escrowWallet, big.NewInt(5))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	env := transport.Envelope{Sender: obligorAddr, CorrelationID: "c1"}
	if err := h.cp.HandleTransaction(ctx, env, protocol.TransactionInfo{TxHash: hash}); err != nil {
		t.Fatalf("handle transaction: %v", err)
	}
	assertStatus(t, h.link.last, protocol.StatusFailure)

	records, _ := h.store.List(ctx, "")
	if len(records) != 0 {
		t.Fatalf("expected no records, got %+v", records)
	}

	outcome, err := h.obligor.RequestReward(ctx)
	if err != nil {
		t.Fatalf("request reward: %v", err)
	}
	if outcome.Status != protocol.StatusNotFound {
		t.Fatalf("expected not_found, got %+v", outcome)
	}
}

func TestReusedTransactionIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	hash, err := h.payerLed.Transfer(ctx, escrowWallet, fee)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	env := transport.Envelope{Sender: obligorAddr, CorrelationID: "c1"}
	if err := h.cp.HandleTransaction(ctx, env, protocol.TransactionInfo{TxHash: hash}); err != nil {
		t.Fatalf("first: %v", err)
	}
	assertStatus(t, h.link.last, protocol.StatusSuccess)

	if err := h.cp.HandleTransaction(ctx, env, protocol.TransactionInfo{TxHash: hash}); err != nil {
		t.Fatalf("second: %v", err)
	}
	assertStatus(t, h.link.last, protocol.StatusFailure)

	records, _ := h.store.List(ctx, obligorAddr)
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
}

func TestPaymentFromUnclaimedWalletIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.chain.Fund("fetch1other", big.NewInt(10))

	env := transport.Envelope{Sender: obligorAddr, CorrelationID: "c0"}
	if err := h.cp.HandleInquiry(ctx, env, protocol.PaymentInquiry{Ready: protocol.StatusReady, Wallet: obligorWallet}); err != nil {
		t.Fatalf("inquiry: %v", err)
	}
	hash, err := h.chain.Account("fetch1other").Transfer(ctx, escrowWallet, fee)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := h.cp.HandleTransaction(ctx, env, protocol.TransactionInfo{TxHash: hash}); err != nil {
		t.Fatalf("handle transaction: %v", err)
	}
	assertStatus(t, h.link.last, protocol.StatusFailure)
}

func TestFeeAboveLimitIsRefused(t *testing.T) {
	h := newHarness(t, big.NewInt(5))

	_, err := h.obligor.PayFee(context.Background())
	if xerrors.CodeOf(err) != CodeFeeLimitExceeded {
		t.Fatalf("expected fee limit error, got %v", err)
	}
	if got := h.balance(t, obligorWallet); got != 100 {
		t.Fatalf("refused fee must not move funds, balance %d", got)
	}
}

func TestRewardFailureRestoresRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	if _, err := h.obligor.PayFee(ctx); err != nil {
		t.Fatalf("pay fee: %v", err)
	}

	h.chain.FailTransfers(errors.New("node unavailable"))
	_, err := h.obligor.RequestReward(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeSettlementFailure {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	records, _ := h.store.List(ctx, obligorAddr)
	if len(records) != 1 {
		t.Fatalf("expected record to be restored, got %d", len(records))
	}

	h.chain.FailTransfers(nil)
	outcome, err := h.obligor.RequestReward(ctx)
	if err != nil || outcome.Status != protocol.StatusSuccess {
		t.Fatalf("reward after recovery: %+v %v", outcome, err)
	}
}

type recordingAlerts struct {
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, ev alerting.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestUncertainBroadcastKeepsRecordConsumed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	alerts := &recordingAlerts{}
	h.cp.alerts = alerts

	if _, err := h.obligor.PayFee(ctx); err != nil {
		t.Fatalf("pay fee: %v", err)
	}

	h.chain.LoseBroadcasts(errors.New("context deadline exceeded"))
	_, err := h.obligor.RequestReward(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeSettlementFailure {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	records, _ := h.store.List(ctx, obligorAddr)
	if len(records) != 0 {
		t.Fatalf("record must stay consumed after an uncertain broadcast, got %d", len(records))
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != ledger.CodeBroadcastUncertain {
		t.Fatalf("expected one broadcast alert, got %+v", alerts.events)
	}

	h.chain.LoseBroadcasts(nil)
	again, err := h.obligor.RequestReward(ctx)
	if err != nil {
		t.Fatalf("second reward request: %v", err)
	}
	if again.Status != protocol.StatusNotFound {
		t.Fatalf("expected not_found, got %+v", again)
	}
	// 奖励只上链一次：100 - 6 + 2。
	if got := h.balance(t, obligorWallet); got != 96 {
		t.Fatalf("reward must be paid at most once, balance %d", got)
	}
}

func assertStatus(t *testing.T, env transport.Envelope, want string) {
	t.Helper()
	if env.Type != protocol.TypePaymentReceived {
		t.Fatalf("expected payment.received, got %q", env.Type)
	}
	var got protocol.PaymentReceived
	if err := env.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != want {
		t.Fatalf("expected status %q, got %q", want, got.Status)
	}
}
