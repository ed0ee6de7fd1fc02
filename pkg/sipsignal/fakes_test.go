package sipsignal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// fakeServerTx серверная транзакция, запоминающая ответы
type fakeServerTx struct {
	sip.ServerTransaction

	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (tx *fakeServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

func (tx *fakeServerTx) Done() <-chan struct{} { return tx.done }

func (tx *fakeServerTx) statuses() []int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]int, 0, len(tx.responses))
	for _, res := range tx.responses {
		out = append(out, res.StatusCode)
	}
	return out
}

func (tx *fakeServerTx) last() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.responses) == 0 {
		return nil
	}
	return tx.responses[len(tx.responses)-1]
}

// fakeClientTx клиентская транзакция, ответы в которую кладет тест
type fakeClientTx struct {
	sip.ClientTransaction

	responses  chan *sip.Response
	done       chan struct{}
	terminated atomic.Bool
}

func newFakeClientTx() *fakeClientTx {
	return &fakeClientTx{
		responses: make(chan *sip.Response, 4),
		done:      make(chan struct{}),
	}
}

func (tx *fakeClientTx) Responses() <-chan *sip.Response { return tx.responses }
func (tx *fakeClientTx) Done() <-chan struct{}           { return tx.done }
func (tx *fakeClientTx) Err() error                      { return nil }
func (tx *fakeClientTx) Terminate()                      { tx.terminated.Store(true) }

// fakeSender заменяет клиент sipgo и запоминает отправленные запросы
type fakeSender struct {
	tx *fakeClientTx

	mu      sync.Mutex
	invites []*sip.Request
	written []*sip.Request
	sent    []*sip.Request
}

func (s *fakeSender) TransactionRequest(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites = append(s.invites, req)
	return s.tx, nil
}

func (s *fakeSender) WriteRequest(req *sip.Request, _ ...sipgo.ClientRequestOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, req)
	return nil
}

func (s *fakeSender) Do(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (*sip.Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	s.mu.Unlock()
	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
}

func (s *fakeSender) writtenRequests() []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.Request(nil), s.written...)
}
