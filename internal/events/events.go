// Package events implements the single in-process event bus that is
// the core's only logging/telemetry contract (spec.md §4.12). Core
// components publish typed events; the bus fans them out to
// subscribers in arrival order. The core never writes to stderr
// directly — everything funnels through here, which in turn logs via
// logrus the way rclone's fs/log package does.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Level mirrors the severity a subscriber may filter on.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Event is any typed event raised by a core component. Name identifies
// the event type (e.g. "file_upload_completed"); Fields carries the
// structured payload.
type Event interface {
	Name() string
	Level() Level
	Fields() logrus.Fields
}

// Subscriber receives events in arrival order. Implementations must not
// block indefinitely; the bus delivers synchronously to each
// subscriber's Notify unless the subscriber was registered Async, in
// which case delivery happens on a dedicated goroutine per subscriber
// with a bounded queue.
type Subscriber interface {
	Notify(Event)
}

// Bus is the process-wide event bus. The zero value is not usable;
// construct with New. A single Bus is typically shared across an
// entire repertory process (the one acceptable static-global role per
// spec.md §9), but nothing here prevents constructing more than one
// for tests.
type Bus struct {
	mu          sync.RWMutex
	subscribers []registeredSubscriber
	log         *logrus.Logger
}

type registeredSubscriber struct {
	sub   Subscriber
	async bool
	ch    chan Event
}

// New creates an event bus that also logs every event through the
// given logrus.Logger (or logrus.StandardLogger() if nil).
func New(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{log: log}
}

// Subscribe registers a subscriber for synchronous, in-order delivery.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, registeredSubscriber{sub: s})
}

// SubscribeAsync registers a subscriber whose Notify calls run on a
// dedicated goroutine, preserving per-subscriber arrival order without
// blocking the publisher or other subscribers.
func (b *Bus) SubscribeAsync(s Subscriber) {
	ch := make(chan Event, 256)
	go func() {
		for ev := range ch {
			s.Notify(ev)
		}
	}()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, registeredSubscriber{sub: s, async: true, ch: ch})
}

// Publish delivers ev to every subscriber in registration order and
// logs it at its declared severity.
func (b *Bus) Publish(ev Event) {
	b.log.WithFields(ev.Fields()).Log(ev.Level().logrusLevel(), ev.Name())

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, rs := range b.subscribers {
		if rs.async {
			select {
			case rs.ch <- ev:
			default:
				b.log.WithField("event", ev.Name()).Warn("subscriber queue full, dropping event")
			}
			continue
		}
		rs.sub.Notify(ev)
	}
}
