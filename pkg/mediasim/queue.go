package mediasim

import (
	"sync"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

type delivery struct {
	key mscontrol.Key
	ev  mscontrol.Event
}

// eventQueue упорядоченная доставка событий одной горутиной.
// push не блокируется и может вызываться под любыми блокировками,
// sink вызывается без блокировок симулятора.
type eventQueue struct {
	mu      sync.Mutex
	items   []delivery
	sink    mscontrol.EventSink
	pending int

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) setSink(sink mscontrol.EventSink) {
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
}

func (q *eventQueue) push(key mscontrol.Key, ev mscontrol.Event) {
	q.mu.Lock()
	q.items = append(q.items, delivery{key: key, ev: ev})
	q.pending++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.notify:
		case <-q.done:
			return
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			d := q.items[0]
			q.items[0] = delivery{}
			q.items = q.items[1:]
			sink := q.sink
			q.mu.Unlock()

			if sink != nil {
				sink.DispatchEvent(d.key, d.ev)
			}

			q.mu.Lock()
			q.pending--
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
		}
	}
}

// drained все поставленные события доставлены
func (q *eventQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending == 0
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
