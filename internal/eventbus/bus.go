// Package eventbus implements the broadcast channel of SPEC_FULL.md §4.13:
// many independent receivers (web clients, alerter) over structured log,
// trade, portfolio-snapshot and market-data messages. Grounded on the
// teacher's internal/events/event_bus.go for the general shape (a
// publish/subscribe hub with typed messages and drop accounting), but
// redesigned internally: the teacher shares one worker pool draining one
// buffered channel across all subscribers, which backpressures every
// consumer to the slowest one. Here each subscriber owns its own bounded
// channel, so a lagged consumer only drops its own messages and never
// slows producers or other subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MessageKind tags a broadcast message's payload type.
type MessageKind string

const (
	KindLog       MessageKind = "log"
	KindTrade     MessageKind = "trade"
	KindPortfolio MessageKind = "portfolio"
	KindKline     MessageKind = "kline"
	KindConnected MessageKind = "connected"
)

// Message is one broadcast unit. Kind selects which payload field is set;
// the others are zero.
type Message struct {
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`

	Log       *LogPayload        `json:"log,omitempty"`
	Trade     *types.Trade       `json:"trade,omitempty"`
	Portfolio *PortfolioSnapshot `json:"portfolio,omitempty"`
	Kline     *KlineData         `json:"kline,omitempty"`
	Connected *ConnectedPayload  `json:"connected,omitempty"`
}

// KlineData carries a closed bar for a symbol, broadcast by the live engine
// when it is configured to mirror market data onto the bus.
type KlineData struct {
	Symbol string      `json:"symbol"`
	Kline  types.Kline `json:"kline"`
}

// ConnectedPayload is sent once to a new subscriber so a client can
// distinguish "just connected" from "connected, bus idle" without waiting
// on the next portfolio or trade event.
type ConnectedPayload struct {
	SubscriberCount int `json:"subscriberCount"`
}

// LogPayload is a structured log line re-broadcast to subscribers, per
// §7's "logged to the broadcast bus with severity".
type LogPayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Symbol   string `json:"symbol,omitempty"`
}

// PortfolioSnapshot is a point-in-time view of the shared portfolio,
// broadcast after every optimistic apply and every reconciliation.
type PortfolioSnapshot struct {
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]types.Position `json:"positions"`
}

const defaultSubscriberBuffer = 10000

// Subscription is one receiver's handle: its message channel plus its
// cumulative drop count.
type Subscription struct {
	id       uint64
	messages chan Message
	lag      atomic.Int64
}

// Messages returns the channel to range over. It closes when the bus is
// closed or the subscription is cancelled.
func (s *Subscription) Messages() <-chan Message { return s.messages }

// Lag returns the number of messages dropped for this subscriber because
// its channel was full.
func (s *Subscription) Lag() int64 { return s.lag.Load() }

// Bus is the broadcast hub. Safe for concurrent use by many producers and
// many consumers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	replay      *PortfolioSnapshot
	bufferSize  int
	metrics     *metrics.Registry
	log         *zap.Logger
}

// New constructs a Bus. reg may be nil, in which case drop/subscriber
// counts are not instrumented.
func New(bufferSize int, reg *metrics.Registry, log *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		bufferSize:  bufferSize,
		metrics:     reg,
		log:         log,
	}
}

// Subscribe registers a new receiver. It is sent a Connected message first,
// then, if a PortfolioState has been broadcast before, the last snapshot so
// late joiners see state without waiting for the next reconciler tick.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, messages: make(chan Message, b.bufferSize)}
	b.subscribers[sub.id] = sub
	if b.metrics != nil {
		b.metrics.EventBusSubscribers.Set(float64(len(b.subscribers)))
	}

	sub.messages <- Message{
		Kind:      KindConnected,
		Timestamp: time.Now(),
		Connected: &ConnectedPayload{SubscriberCount: len(b.subscribers)},
	}
	if b.replay != nil {
		replay := *b.replay
		sub.messages <- Message{Kind: KindPortfolio, Timestamp: time.Now(), Portfolio: &replay}
	}
	return sub
}

// Unsubscribe removes a receiver and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.messages)
	if b.metrics != nil {
		b.metrics.EventBusSubscribers.Set(float64(len(b.subscribers)))
	}
}

// Publish fans a message out to every current subscriber, never blocking:
// a subscriber whose channel is full has the message dropped and its lag
// counter incremented instead of back-pressuring the producer.
func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Kind == KindPortfolio && msg.Portfolio != nil {
		b.setReplay(*msg.Portfolio)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.messages <- msg:
		default:
			sub.lag.Add(1)
			if b.metrics != nil {
				b.metrics.EventBusDropped.WithLabelValues(string(msg.Kind)).Inc()
			}
			b.log.Warn("eventbus: subscriber lagging, message dropped",
				zap.String("kind", string(msg.Kind)), zap.Uint64("subscriber", sub.id))
		}
	}
}

func (b *Bus) setReplay(snap PortfolioSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replay = &snap
}

// SubscriberCount returns the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
