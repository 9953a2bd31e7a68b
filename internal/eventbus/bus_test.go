package eventbus_test

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func TestSubscribe_SendsConnectedFirst(t *testing.T) {
	bus := eventbus.New(4, nil, nil)
	sub := bus.Subscribe()

	select {
	case msg := <-sub.Messages():
		if msg.Kind != eventbus.KindConnected || msg.Connected == nil || msg.Connected.SubscriberCount != 1 {
			t.Fatalf("unexpected first message: %+v", msg)
		}
	default:
		t.Fatal("expected a Connected message immediately after subscribing")
	}
}

func TestPublish_FanOutToAllSubscribers(t *testing.T) {
	bus := eventbus.New(4, nil, nil)
	a := bus.Subscribe()
	b := bus.Subscribe()
	<-a.Messages() // Connected
	<-b.Messages() // Connected

	bus.Publish(eventbus.Message{Kind: eventbus.KindLog, Log: &eventbus.LogPayload{Severity: "info", Message: "hello"}})

	for _, sub := range []*eventbus.Subscription{a, b} {
		select {
		case msg := <-sub.Messages():
			if msg.Kind != eventbus.KindLog || msg.Log.Message != "hello" {
				t.Fatalf("unexpected message: %+v", msg)
			}
		default:
			t.Fatal("expected a message to be delivered")
		}
	}
}

func TestPublish_LaggedSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	bus := eventbus.New(1, nil, nil)
	slow := bus.Subscribe()
	fast := bus.Subscribe()
	<-slow.Messages() // Connected
	<-fast.Messages() // Connected

	bus.Publish(eventbus.Message{Kind: eventbus.KindLog, Log: &eventbus.LogPayload{Message: "one"}})
	bus.Publish(eventbus.Message{Kind: eventbus.KindLog, Log: &eventbus.LogPayload{Message: "two"}})

	if slow.Lag() != 1 {
		t.Fatalf("expected slow subscriber to have dropped 1 message, got %d", slow.Lag())
	}

	<-fast.Messages()
	select {
	case <-fast.Messages():
		t.Fatal("fast subscriber's second message slot should be empty after publisher never blocked on slow")
	default:
	}
}

func TestSubscribe_ReplaysLastPortfolioSnapshotToLateJoiner(t *testing.T) {
	bus := eventbus.New(4, nil, nil)

	snap := eventbus.PortfolioSnapshot{
		Cash:      decimal.NewFromInt(1000),
		Positions: map[string]types.Position{"BTC/USDT": {Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(1)}},
	}
	bus.Publish(eventbus.Message{Kind: eventbus.KindPortfolio, Portfolio: &snap})

	late := bus.Subscribe()
	<-late.Messages() // Connected
	select {
	case msg := <-late.Messages():
		if msg.Kind != eventbus.KindPortfolio || !msg.Portfolio.Cash.Equal(decimal.NewFromInt(1000)) {
			t.Fatalf("expected replayed portfolio snapshot, got %+v", msg)
		}
	default:
		t.Fatal("expected the replay cache to be pushed to a late joiner")
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	bus := eventbus.New(4, nil, nil)
	sub := bus.Subscribe()
	<-sub.Messages() // Connected
	bus.Unsubscribe(sub)

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected subscriber channel to be closed")
	}
}
