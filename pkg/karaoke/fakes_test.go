package karaoke

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// mediaCall одна команда, полученная фейковым медиа сервисом
type mediaCall struct {
	op     string
	h      mscontrol.Handle
	peer   mscontrol.Handle
	uri    string
	policy mscontrol.CompletionPolicy
	dir    mscontrol.Direction
}

// fakeMedia записывает команды и выдает последовательные handle
type fakeMedia struct {
	mu       sync.Mutex
	seq      int
	owners   map[mscontrol.Handle]mscontrol.Key
	kinds    map[mscontrol.Handle]mscontrol.ResourceKind
	calls    []mediaCall
	released map[mscontrol.Handle]int

	failAlloc     map[mscontrol.ResourceKind]error
	failNegotiate error
	failPlay      error
	gates         map[mscontrol.ResourceKind]*allocGate
}

// allocGate останавливает одно выделение ресурса до закрытия proceed
type allocGate struct {
	entered chan struct{}
	proceed chan struct{}
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		owners:    make(map[mscontrol.Handle]mscontrol.Key),
		kinds:     make(map[mscontrol.Handle]mscontrol.ResourceKind),
		released:  make(map[mscontrol.Handle]int),
		failAlloc: make(map[mscontrol.ResourceKind]error),
		gates:     make(map[mscontrol.ResourceKind]*allocGate),
	}
}

// gate задерживает следующее выделение ресурса kind
func (m *fakeMedia) gate(kind mscontrol.ResourceKind) *allocGate {
	g := &allocGate{entered: make(chan struct{}), proceed: make(chan struct{})}
	m.mu.Lock()
	m.gates[kind] = g
	m.mu.Unlock()
	return g
}

func (m *fakeMedia) record(c mediaCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *fakeMedia) Allocate(_ context.Context, owner mscontrol.Key, kind mscontrol.ResourceKind) (mscontrol.Handle, error) {
	m.mu.Lock()
	g := m.gates[kind]
	delete(m.gates, kind)
	m.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.proceed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failAlloc[kind]; err != nil {
		return "", err
	}
	m.seq++
	h := mscontrol.Handle(fmt.Sprintf("%s-%d", kind, m.seq))
	m.owners[h] = owner
	m.kinds[h] = kind
	return h, nil
}

func (m *fakeMedia) Negotiate(_ context.Context, nc mscontrol.Handle, offer []byte) ([]byte, error) {
	m.record(mediaCall{op: "negotiate", h: nc, uri: string(offer)})
	if m.failNegotiate != nil {
		return nil, m.failNegotiate
	}
	return []byte("answer"), nil
}

func (m *fakeMedia) GenerateOffer(_ context.Context, nc mscontrol.Handle) ([]byte, error) {
	m.record(mediaCall{op: "offer", h: nc})
	return []byte("offer"), nil
}

func (m *fakeMedia) ProcessAnswer(_ context.Context, nc mscontrol.Handle, answer []byte) error {
	m.record(mediaCall{op: "answer", h: nc, uri: string(answer)})
	return nil
}

func (m *fakeMedia) Play(_ context.Context, h mscontrol.Handle, uri string, policy mscontrol.CompletionPolicy) error {
	m.record(mediaCall{op: "play", h: h, uri: uri, policy: policy})
	return m.failPlay
}

func (m *fakeMedia) Record(_ context.Context, h mscontrol.Handle, uri string, policy mscontrol.CompletionPolicy) error {
	m.record(mediaCall{op: "record", h: h, uri: uri, policy: policy})
	return nil
}

func (m *fakeMedia) Stop(_ context.Context, h mscontrol.Handle) error {
	m.record(mediaCall{op: "stop", h: h})
	return nil
}

func (m *fakeMedia) Join(_ context.Context, a, b mscontrol.Handle, dir mscontrol.Direction) error {
	m.record(mediaCall{op: "join", h: a, peer: b, dir: dir})
	return nil
}

func (m *fakeMedia) PrepareDialog(_ context.Context, h mscontrol.Handle, url string) error {
	m.record(mediaCall{op: "prepare", h: h, uri: url})
	return nil
}

func (m *fakeMedia) StartDialog(_ context.Context, h mscontrol.Handle, _ map[string]string) error {
	m.record(mediaCall{op: "start_dialog", h: h})
	return nil
}

func (m *fakeMedia) TerminateDialog(_ context.Context, h mscontrol.Handle) error {
	m.record(mediaCall{op: "terminate_dialog", h: h})
	return nil
}

func (m *fakeMedia) Release(_ context.Context, h mscontrol.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[h]++
	return nil
}

func (m *fakeMedia) allCalls() []mediaCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mediaCall(nil), m.calls...)
}

func (m *fakeMedia) callsOf(op string) []mediaCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mediaCall
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// played адреса, проигранные на h, в порядке команд
func (m *fakeMedia) played(h mscontrol.Handle) []string {
	var uris []string
	for _, c := range m.callsOf("play") {
		if c.h == h {
			uris = append(uris, c.uri)
		}
	}
	return uris
}

func (m *fakeMedia) recorded(h mscontrol.Handle) []string {
	var uris []string
	for _, c := range m.callsOf("record") {
		if c.h == h {
			uris = append(uris, c.uri)
		}
	}
	return uris
}

func (m *fakeMedia) releaseCount(h mscontrol.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released[h]
}

// handlesOf все handle владельца
func (m *fakeMedia) handlesOf(owner mscontrol.Key) []mscontrol.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hs []mscontrol.Handle
	for h, o := range m.owners {
		if o == owner {
			hs = append(hs, h)
		}
	}
	return hs
}

func (m *fakeMedia) handleOfKind(owner mscontrol.Key, kind mscontrol.ResourceKind) mscontrol.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, o := range m.owners {
		if o == owner && m.kinds[h] == kind {
			return h
		}
	}
	return ""
}

// sigCall одна команда сигнального сервиса
type sigCall struct {
	op     string
	key    mscontrol.Key
	status int
	method string
	target string
	body   []byte
}

type fakeSignaling struct {
	mu    sync.Mutex
	calls []sigCall
}

func (s *fakeSignaling) SendResponse(_ context.Context, key mscontrol.Key, status int, _ string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sigCall{op: "response", key: key, status: status, body: body})
	return nil
}

func (s *fakeSignaling) SendRequest(_ context.Context, key mscontrol.Key, method, target string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sigCall{op: "request", key: key, method: method, target: target, body: body})
	return nil
}

func (s *fakeSignaling) SendAck(_ context.Context, key mscontrol.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sigCall{op: "ack", key: key})
	return nil
}

func (s *fakeSignaling) find(match func(sigCall) bool) []sigCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sigCall
	for _, c := range s.calls {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeSignaling) responses(key mscontrol.Key, status int) []sigCall {
	return s.find(func(c sigCall) bool { return c.op == "response" && c.key == key && c.status == status })
}

func (s *fakeSignaling) requests(method string) []sigCall {
	return s.find(func(c sigCall) bool { return c.op == "request" && c.method == method })
}

func (s *fakeSignaling) acks(key mscontrol.Key) []sigCall {
	return s.find(func(c sigCall) bool { return c.op == "ack" && c.key == key })
}

// testEnv контроллер с фейковыми сервисами и собственным реестром метрик
type testEnv struct {
	ctrl  *Controller
	media *fakeMedia
	sig   *fakeSignaling
	reg   *prometheus.Registry
	cfg   *Config
	dir   *mscontrol.StaticDirectory
}

func newTestEnv(t *testing.T, peers ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		media: newFakeMedia(),
		sig:   &fakeSignaling{},
		reg:   prometheus.NewRegistry(),
		cfg:   DefaultConfig(),
		dir:   mscontrol.NewStaticDirectory("/records", peers),
	}
	ctrl, err := NewController(env.cfg, Dependencies{
		Media:     env.media,
		Signaling: env.sig,
		Directory: env.dir,
		Logger:    zerolog.Nop(),
		Metrics:   NewMetrics(env.reg),
	})
	require.NoError(t, err, "Контроллер должен создаться")
	env.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Shutdown(context.Background()) })
	return env
}

const waitTimeout = 2 * time.Second
const tick = 5 * time.Millisecond

func waitState(t *testing.T, leg *Leg, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return leg.box.idle() && leg.State() == want }, waitTimeout, tick,
		"нога %s должна перейти в %s, сейчас %s", leg.Key(), want, leg.State())
}

func waitReleased(t *testing.T, leg *Leg) {
	t.Helper()
	select {
	case <-leg.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("нога %s не освобождена, состояние %s", leg.Key(), leg.State())
	}
}

// answeredIncoming создает входящую ногу и доводит ее до PlayingIntro
func (env *testEnv) answeredIncoming(t *testing.T, key mscontrol.Key) *Leg {
	t.Helper()
	leg, err := env.ctrl.CreateLeg(context.Background(), key, RoleIncoming)
	require.NoError(t, err)
	env.ctrl.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventOfferReceived, Payload: []byte("offer")})
	env.ctrl.DispatchEvent(key, mscontrol.Event{Kind: mscontrol.EventAck})
	waitState(t, leg, StatePlayingIntro)
	return leg
}
