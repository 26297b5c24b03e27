package transcript

import "sync"

// ChangeOp names a transcript mutation.
type ChangeOp string

const (
	OpAppend  ChangeOp = "append"
	OpReplace ChangeOp = "replace"
)

// Change describes one mutation.
type Change struct {
	Op    ChangeOp
	Index int
	Len   int // transcript length after the change
}

// Notifier is implemented by stores that push change notifications.
type Notifier interface {
	// Subscribe returns a channel of changes and a function that cancels the subscription.
	Subscribe(buffer int) (<-chan Change, func())
}

// Broadcaster fans changes out to subscribers. Slow subscribers miss changes
// rather than block the writer.
type Broadcaster struct {
	mu sync.RWMutex

	subs map[int]chan Change
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Change)}
}

func (b *Broadcaster) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends c to every subscriber without blocking.
func (b *Broadcaster) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			// Subscriber full, it will re-read the transcript on its next change.
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
