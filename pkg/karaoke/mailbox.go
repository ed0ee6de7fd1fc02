package karaoke

import (
	"sync"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// mailbox неограниченная FIFO очередь событий одной ноги.
// post никогда не блокирует, события разбирает одна горутина run.
type mailbox struct {
	mu     sync.Mutex
	queue  []mscontrol.Event
	busy   bool
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// post кладет событие в очередь. После close события отбрасываются.
func (m *mailbox) post(ev mscontrol.Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) next() (mscontrol.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return mscontrol.Event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = mscontrol.Event{}
	m.queue = m.queue[1:]
	m.busy = true
	return ev, true
}

func (m *mailbox) handled() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// run обрабатывает события по одному в порядке поступления до close
func (m *mailbox) run(handle func(mscontrol.Event)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			ev, ok := m.next()
			if !ok {
				break
			}
			handle(ev)
			m.handled()
		}
	}
}

// close останавливает очередь. Безопасно вызывать повторно и из handle.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

// idle сообщает, что очередь пуста и ни одно событие не обрабатывается
func (m *mailbox) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.busy && len(m.queue) == 0
}
