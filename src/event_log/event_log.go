package event_log

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "event_log")

// Kind groups entries so that consumers can filter without parsing messages
type Kind string

const (
	KindConnectivity Kind = "connectivity"
	KindProbe        Kind = "probe"
	KindCampaign     Kind = "campaign"
	KindAttempt      Kind = "attempt"
	KindBackoff      Kind = "backoff"
	KindCooldown     Kind = "cooldown"
	KindConfig       Kind = "config"
	KindLogout       Kind = "logout"
)

// Entry is one line of the user-visible event stream
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Sink accepts event entries
type Sink interface {
	Record(entry Entry)
}

// Discard is a Sink that drops everything
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Entry) {}

// Log keeps the most recent entries in a fixed-size ring and fans new
// entries out to subscribers. Slow subscribers lose entries rather than
// block the writer.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	subs     map[int]chan Entry
	nextSub  int
	hooks    []func(Entry)
	capacity int
}

// New creates a Log holding at most capacity entries
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 100
	}
	return &Log{
		entries:  make([]Entry, capacity),
		subs:     make(map[int]chan Entry),
		capacity: capacity,
	}
}

// Record appends an entry, evicting the oldest one when the ring is full
func (l *Log) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Level == "" {
		entry.Level = logrus.InfoLevel.String()
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	hooks := l.hooks
	for id, ch := range l.subs {
		select {
		case ch <- entry:
		default:
			logger.WithField("subscriber", id).Debug("Event subscriber lagging, dropping entry")
		}
	}
	l.mu.Unlock()

	for _, hook := range hooks {
		hook(entry)
	}
}

// Entries returns up to n of the newest entries, oldest first. n <= 0 returns all.
func (l *Log) Entries(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 {
		n = l.capacity
	}
	return l.newest(n)
}

// newest copies up to n entries, oldest first. Callers hold mu.
func (l *Log) newest(n int) []Entry {
	size := l.next
	start := 0
	if l.full {
		size = l.capacity
		start = l.next
	}
	if n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, l.entries[(start+i)%l.capacity])
	}
	return out
}

// Len reports how many entries are currently held
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return l.capacity
	}
	return l.next
}

// Subscribe returns a channel receiving every entry recorded from now on and
// a function that cancels the subscription and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	_, ch, cancel := l.SubscribeWithBacklog(0, buffer)
	return ch, cancel
}

// SubscribeWithBacklog is Subscribe plus up to backlog of the newest entries
// already held. Every entry lands in exactly one of the two.
func (l *Log) SubscribeWithBacklog(backlog, buffer int) ([]Entry, <-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	var past []Entry
	if backlog > 0 {
		past = l.newest(backlog)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return past, ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			close(ch)
			l.mu.Unlock()
		})
	}
}

// AddHook registers a callback run synchronously after every Record
func (l *Log) AddHook(hook func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}
