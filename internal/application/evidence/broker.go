package evidence

import (
	"sync"

	"github.com/rs/zerolog/log"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

const subscriberBuffer = 256

// Broker fans freshly recorded evidence out to live subscribers, keyed by
// check id. Slow subscribers drop messages instead of blocking writers.
type Broker struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]chan *domain.Evidence
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan *domain.Evidence)}
}

// Subscribe returns a channel of evidence for checkID and a cancel func
// that must be called to release it.
func (b *Broker) Subscribe(checkID string) (<-chan *domain.Evidence, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan *domain.Evidence, subscriberBuffer)
	if b.subs[checkID] == nil {
		b.subs[checkID] = make(map[int]chan *domain.Evidence)
	}
	b.subs[checkID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[checkID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, checkID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to subscribers of its check. Unattached evidence is
// not streamed.
func (b *Broker) Publish(e *domain.Evidence) {
	if e.CheckID == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs[*e.CheckID] {
		select {
		case ch <- e:
		default:
			log.Warn().Str("check_id", *e.CheckID).Int("subscriber", id).Msg("evidence subscriber blocked, dropping message")
		}
	}
}
