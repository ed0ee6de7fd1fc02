package addressbook

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

type mockMedia struct {
	mock.Mock
}

func (m *mockMedia) Allocate(ctx context.Context, owner mscontrol.Key, kind mscontrol.ResourceKind) (mscontrol.Handle, error) {
	args := m.Called(ctx, owner, kind)
	return args.Get(0).(mscontrol.Handle), args.Error(1)
}

func (m *mockMedia) Negotiate(ctx context.Context, nc mscontrol.Handle, offer []byte) ([]byte, error) {
	args := m.Called(ctx, nc, offer)
	answer, _ := args.Get(0).([]byte)
	return answer, args.Error(1)
}

func (m *mockMedia) GenerateOffer(ctx context.Context, nc mscontrol.Handle) ([]byte, error) {
	args := m.Called(ctx, nc)
	offer, _ := args.Get(0).([]byte)
	return offer, args.Error(1)
}

func (m *mockMedia) ProcessAnswer(ctx context.Context, nc mscontrol.Handle, answer []byte) error {
	return m.Called(ctx, nc, answer).Error(0)
}

func (m *mockMedia) Play(ctx context.Context, h mscontrol.Handle, uri string, policy mscontrol.CompletionPolicy) error {
	return m.Called(ctx, h, uri, policy).Error(0)
}

func (m *mockMedia) Record(ctx context.Context, h mscontrol.Handle, uri string, policy mscontrol.CompletionPolicy) error {
	return m.Called(ctx, h, uri, policy).Error(0)
}

func (m *mockMedia) Stop(ctx context.Context, h mscontrol.Handle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *mockMedia) Join(ctx context.Context, a, b mscontrol.Handle, dir mscontrol.Direction) error {
	return m.Called(ctx, a, b, dir).Error(0)
}

func (m *mockMedia) PrepareDialog(ctx context.Context, h mscontrol.Handle, url string) error {
	return m.Called(ctx, h, url).Error(0)
}

func (m *mockMedia) StartDialog(ctx context.Context, h mscontrol.Handle, params map[string]string) error {
	return m.Called(ctx, h, params).Error(0)
}

func (m *mockMedia) TerminateDialog(ctx context.Context, h mscontrol.Handle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *mockMedia) Release(ctx context.Context, h mscontrol.Handle) error {
	return m.Called(ctx, h).Error(0)
}

type mockSignaling struct {
	mock.Mock
}

func (m *mockSignaling) SendResponse(ctx context.Context, key mscontrol.Key, status int, reason string, body []byte) error {
	return m.Called(ctx, key, status, reason, body).Error(0)
}

func (m *mockSignaling) SendRequest(ctx context.Context, key mscontrol.Key, method, target string, body []byte) error {
	return m.Called(ctx, key, method, target, body).Error(0)
}

func (m *mockSignaling) SendAck(ctx context.Context, key mscontrol.Key) error {
	return m.Called(ctx, key).Error(0)
}

const (
	testKey    = mscontrol.Key("call-1")
	testNC     = mscontrol.Handle("nc-1")
	testDialog = mscontrol.Handle("dlg-1")
	testURL    = "http://vxml.test/addressbook.vxml"
)

var testOffer = []byte("v=0 offer")

type testEnv struct {
	svc     *Service
	media   *mockMedia
	sig     *mockSignaling
	session *Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	media := &mockMedia{}
	sig := &mockSignaling{}

	cfg := DefaultConfig()
	cfg.VXMLURL = testURL
	cfg.TransferTarget = "sip:operator@example.com"
	cfg.DialogParams = map[string]string{"lang": "ru"}

	svc, err := NewService(cfg, Dependencies{Media: media, Signaling: sig, Logger: zerolog.Nop()})
	require.NoError(t, err)

	media.On("Allocate", mock.Anything, testKey, mscontrol.NetworkConnection).Return(testNC, nil).Once()
	session, err := svc.CreateSession(context.Background(), testKey)
	require.NoError(t, err)

	return &testEnv{svc: svc, media: media, sig: sig, session: session}
}

// answered проводит сессию до отправки 200 OK
func (e *testEnv) answered() {
	e.media.On("Negotiate", mock.Anything, testNC, testOffer).Return([]byte("v=0 answer"), nil).Once()
	e.media.On("Allocate", mock.Anything, testKey, mscontrol.VxmlDialog).Return(testDialog, nil).Once()
	e.media.On("Join", mock.Anything, testNC, testDialog, mscontrol.Duplex).Return(nil).Once()
	e.media.On("PrepareDialog", mock.Anything, testDialog, testURL).Return(nil).Once()
	e.sig.On("SendResponse", mock.Anything, testKey, mscontrol.StatusOK, mscontrol.ReasonOK, []byte("v=0 answer")).Return(nil).Once()

	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventOfferReceived, Payload: testOffer})
}

func (e *testEnv) expectRelease(handles ...mscontrol.Handle) {
	for _, h := range handles {
		e.media.On("Release", mock.Anything, h).Return(nil).Once()
	}
}
