// Package events carries typed notifications between the client's
// components in place of ambient global signals.
package events

import (
	"sync"
	"time"

	"circadgo/internal/models"
)

type Type string

const (
	CredentialsChanged Type = "credentials_changed"
	SessionExpired     Type = "session_expired"
	LoggedOut          Type = "logged_out"
	AnalysisUpdated    Type = "analysis_updated"
	SubmissionStatus   Type = "submission_status"
	TaskProgress       Type = "task_progress"
	LiveUpdate         Type = "live_update"
	LiveConnection     Type = "live_connection"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type                   `json:"type"`
	At        time.Time              `json:"at"`
	Message   string                 `json:"message,omitempty"`
	Username  string                 `json:"username,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	State     models.TaskState       `json:"state,omitempty"`
	Result    *models.AnalysisResult `json:"result,omitempty"`
	Live      *models.LiveUpdate     `json:"live,omitempty"`
	Connected bool                   `json:"connected,omitempty"`

	// Origin identifies the relay that forwarded a remote event. Empty for
	// events raised in this process.
	Origin string `json:"origin,omitempty"`
}

// Remote reports whether the event came from another process.
func (e Event) Remote() bool { return e.Origin != "" }

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription is a registered listener. C closes after Close.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	bus   *Bus
	id    int
	types map[Type]struct{}
	once  sync.Once
}

// Subscribe registers a listener for the given types, or for every type when
// none are given.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish delivers e to every matching subscriber. A nil bus drops it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Listen runs fn for each matching event on its own goroutine until the
// returned stop func is called.
func (b *Bus) Listen(fn func(Event), types ...Type) (stop func()) {
	sub := b.Subscribe(64, types...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C {
			fn(e)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}
