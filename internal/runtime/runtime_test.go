package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"CryptoReason-Chain/internal/messaging"
	"CryptoReason-Chain/internal/protocol"
	"CryptoReason-Chain/internal/transport"
)

func newAgent(tr *transport.MemoryTransport, name string) *Runtime {
	addr := "agent://" + name
	return New(Identity{Address: addr, Name: name}, tr, messaging.New(addr, tr, nil))
}

func TestHandlerCanAwaitInsideDispatch(t *testing.T) {
	tr := transport.NewMemoryTransport(16)
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	heartbeat := newAgent(tr, "heartbeat")
	On(heartbeat, func(ctx context.Context, env transport.Envelope, msg protocol.Heartbeat) error {
		return heartbeat.Messenger().Reply(ctx, env, protocol.Heartbeat{Status: protocol.StatusContinue})
	})

	orchestrator := newAgent(tr, "orchestrator")
	got := make(chan string, 1)
	// 处理函数内部再发起一次关联请求，响应走接收路径，不会与单消费者循环互相等待。
	On(orchestrator, func(ctx context.Context, env transport.Envelope, msg protocol.SwapCompleted) error {
		reply, err := orchestrator.Messenger().SendAndAwait(ctx, "agent://heartbeat", protocol.Heartbeat{Status: protocol.StatusReady}, time.Second)
		if err != nil {
			return err
		}
		var hb protocol.Heartbeat
		if err := reply.Decode(&hb); err != nil {
			return err
		}
		got <- hb.Status
		return nil
	})

	go func() { _ = heartbeat.Run(ctx) }()
	go func() { _ = orchestrator.Run(ctx) }()

	swapper := messaging.New("agent://swapland", tr, nil)
	if err := swapper.Send(ctx, "agent://orchestrator", protocol.SwapCompleted{Status: protocol.StatusSwapCompleted}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case status := <-got:
		if status != protocol.StatusContinue {
			t.Fatalf("unexpected status %s", status)
		}
	case <-ctx.Done():
		t.Fatal("handler did not complete")
	}
}

func TestLifecycleHooksAndIntervals(t *testing.T) {
	tr := transport.NewMemoryTransport(4)
	defer tr.Close()

	rt := newAgent(tr, "timer")
	var started, stopped, ticks atomic.Int32
	rt.OnStartup(func(context.Context) error { started.Add(1); return nil })
	rt.OnShutdown(func(context.Context) error { stopped.Add(1); return nil })
	rt.Every("tick", 10*time.Millisecond, func(context.Context) { ticks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("interval job did not fire, ticks=%d", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if started.Load() != 1 || stopped.Load() != 1 {
		t.Fatalf("hooks not run exactly once: started=%d stopped=%d", started.Load(), stopped.Load())
	}
	if err := rt.Run(context.Background()); err == nil {
		t.Fatalf("second Run should fail")
	}
}

func TestStartupFailureAbortsRun(t *testing.T) {
	tr := transport.NewMemoryTransport(1)
	defer tr.Close()

	rt := newAgent(tr, "broken")
	rt.OnStartup(func(context.Context) error { return errors.New("wallet locked") })
	if err := rt.Run(context.Background()); err == nil {
		t.Fatalf("expected startup error")
	}
}

func TestUnknownTypeIsDropped(t *testing.T) {
	tr := transport.NewMemoryTransport(4)
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rt := newAgent(tr, "sink")
	handled := make(chan struct{}, 1)
	On(rt, func(context.Context, transport.Envelope, protocol.NewsRequest) error {
		handled <- struct{}{}
		return nil
	})
	go func() { _ = rt.Run(ctx) }()

	sender := messaging.New("agent://tester", tr, nil)
	_ = sender.Send(ctx, "agent://sink", protocol.TopupResponse{Status: "ok"})
	_ = sender.Send(ctx, "agent://sink", protocol.NewsRequest{Limit: 3})

	select {
	case <-handled:
	case <-ctx.Done():
		t.Fatal("known message was not dispatched after unknown one")
	}
}
