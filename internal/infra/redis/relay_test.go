package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/R4f0so/quiz-corp/internal/domain"
	"github.com/R4f0so/quiz-corp/internal/fanout"
)

func TestRelayBridgesInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokerA := fanout.NewBroker()
	brokerB := fanout.NewBroker()
	relayA := NewRelay(newClient(mr), brokerA, zerolog.Nop())
	relayB := NewRelay(newClient(mr), brokerB, zerolog.Nop())

	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()

	// Give both subscriptions time to attach.
	time.Sleep(100 * time.Millisecond)

	remote, cancelSub := brokerB.Subscribe(domain.TableParticipants)
	defer cancelSub()

	brokerA.Publish(domain.ChangeEvent{
		Table: domain.TableParticipants,
		Op:    domain.OpInsert,
		After: domain.Row(domain.Participant{ID: "p1", ExternalKey: "X1", Team: "A"}),
	})

	select {
	case ev := <-remote:
		if ev.Op != domain.OpInsert || ev.Origin != relayA.Origin() {
			t.Fatalf("expected relayed insert from A, got %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for relayed event")
	}
}

func TestRelaySkipsOwnTraffic(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := fanout.NewBroker()
	relay := NewRelay(newClient(mr), broker, zerolog.Nop())
	go func() { _ = relay.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	local, cancelSub := broker.Subscribe(domain.TableSession)
	defer cancelSub()

	broker.Publish(domain.ChangeEvent{Table: domain.TableSession, Op: domain.OpUpdate})

	// The subscriber sees the original local event exactly once; the copy
	// coming back through Redis must be dropped by origin.
	<-local
	select {
	case ev := <-local:
		t.Fatalf("own event re-imported: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
