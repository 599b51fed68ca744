package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/pkg/models"
)

// Broker fans session telemetry out to live subscribers. Each session has
// its own feed with a monotonic sequence counter; publishing is a channel
// send, never a direct call into subscriber code. Locking is per feed and
// per subscriber queue, never across sessions.
type Broker struct {
	mu     sync.Mutex
	feeds  map[string]*feed
	buffer int
	logger zerolog.Logger
}

type feed struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscriber]struct{}
}

func NewBroker(subscriberBuffer int, logger zerolog.Logger) *Broker {
	if subscriberBuffer < 1 {
		subscriberBuffer = 64
	}
	return &Broker{
		feeds:  make(map[string]*feed),
		buffer: subscriberBuffer,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Open creates the session's feed. Called at session creation so the
// sequence counter accounts for events published before the first
// subscriber attaches. Idempotent.
func (b *Broker) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.feeds[sessionID]; !ok {
		b.feeds[sessionID] = &feed{subs: make(map[*Subscriber]struct{})}
	}
}

// lookup never creates: only Open inserts feeds, only DropSession
// removes them. Anything else resurrecting a feed after eviction would
// leak an entry per evicted session.
func (b *Broker) lookup(sessionID string) (*feed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[sessionID]
	return f, ok
}

// Publish delivers one event to every current subscriber of the session.
// Sequence numbers are assigned here, under the feed lock, so each
// subscriber observes strictly increasing values. Publishing to an
// evicted session is a no-op.
func (b *Broker) Publish(sessionID string, kind models.EventKind, payload any) {
	f, ok := b.lookup(sessionID)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	ev := models.Event{
		SessionID: sessionID,
		Kind:      kind,
		Seq:       f.seq,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	metrics.IncEventPublished(string(kind))

	var overflowed []*Subscriber
	for sub := range f.subs {
		if sub.enqueue(ev) {
			overflowed = append(overflowed, sub)
		}
	}

	// A dropped-screenshot condition is reported once per subscriber, as a
	// log event with its own sequence number.
	for _, sub := range overflowed {
		f.seq++
		sub.enqueue(models.Event{
			SessionID: sessionID,
			Kind:      models.EventLog,
			Seq:       f.seq,
			Timestamp: time.Now(),
			Payload:   models.LogPayload{Message: "subscriber lagging, oldest screenshot events dropped"},
		})
	}
}

// Subscribe attaches a new subscriber to the session's feed. The
// subscriber receives every event published from this moment onward;
// there is no history replay. Subscribing to an evicted session yields
// an already-closed subscriber.
func (b *Broker) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		out:       make(chan models.Event),
		notify:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		max:       b.buffer,
	}

	f, ok := b.lookup(sessionID)
	if !ok {
		sub.closed = true
		close(sub.stopped)
		close(sub.notify)
		close(sub.out)
		return sub
	}

	go sub.pump()

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes a subscriber.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if f, ok := b.lookup(sub.sessionID); ok {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
	}
	sub.close()
}

// DropSession closes all subscribers of an evicted session and forgets
// its feed.
func (b *Broker) DropSession(sessionID string) {
	b.mu.Lock()
	f, ok := b.feeds[sessionID]
	if ok {
		delete(b.feeds, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	f.mu.Lock()
	subs := make([]*Subscriber, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[*Subscriber]struct{})
	f.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		b.logger.Debug().Str("session_id", sessionID).Int("subscribers", len(subs)).Msg("closed subscribers of evicted session")
	}
}

// Subscriber is one consumer of a session's event stream. Events arrive
// on C in publication order. When the consumer cannot keep up, the oldest
// buffered screenshot events are dropped first; status, error and log
// events are always delivered.
type Subscriber struct {
	sessionID string
	out       chan models.Event
	notify    chan struct{}

	mu      sync.Mutex
	queue   []models.Event
	max     int
	noted   bool
	closed  bool
	stopped chan struct{}
}

// C returns the subscriber's delivery channel. It is closed on
// unsubscribe or session eviction.
func (s *Subscriber) C() <-chan models.Event { return s.out }

// enqueue adds an event to the queue, applying the screenshot-first drop
// policy on overflow. It reports true when a drop note should be
// published for this subscriber.
func (s *Subscriber) enqueue(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	needNote := false
	if len(s.queue) >= s.max {
		if i := s.oldestScreenshot(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			metrics.IncEventDropped()
			if !s.noted {
				s.noted = true
				needNote = true
			}
		}
		// No screenshot to shed: the queue grows. Status and error
		// events are low-volume and must not be lost.
	}

	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return needNote
}

func (s *Subscriber) oldestScreenshot() int {
	for i, ev := range s.queue {
		if ev.Kind == models.EventScreenshot {
			return i
		}
	}
	return -1
}

// pump is the only sender on (and closer of) s.out.
func (s *Subscriber) pump() {
	defer close(s.out)
	for range s.notify {
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.stopped:
				return
			}
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.stopped)
	close(s.notify)
}
