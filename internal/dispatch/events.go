package dispatch

import (
	"sync"
	"time"

	"github.com/mmynk/fieldsync/internal/models"
)

// Outcome is the result of one dispatch attempt.
type Outcome int

const (
	// OutcomeSkipped means another worker claimed the operation first.
	OutcomeSkipped Outcome = iota
	OutcomeDelivered
	// OutcomeRetry means the attempt failed transiently and was rescheduled.
	OutcomeRetry
	// OutcomeParked means the operation is terminally FAILED.
	OutcomeParked
	// OutcomeMerged means the backend reported an identity conflict that
	// was resolved locally.
	OutcomeMerged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetry:
		return "retry"
	case OutcomeParked:
		return "parked"
	case OutcomeMerged:
		return "merged"
	}
	return "skipped"
}

// Event reports the outcome of one dispatch attempt.
type Event struct {
	OperationID string
	EntityType  string
	EntityID    string
	Kind        models.OperationKind
	Outcome     Outcome
	Err         error
	At          time.Time
}

type broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish never blocks; a subscriber that falls behind misses events.
func (b *broker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
