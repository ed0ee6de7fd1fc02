package addressbook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

func TestDialogStartsAfterPrepared(t *testing.T) {
	e := newTestEnv(t)
	e.answered()

	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})
	assert.Equal(t, StatePrepared, e.session.State())

	e.media.On("StartDialog", mock.Anything, testDialog, map[string]string{"lang": "ru"}).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventAck})
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogStarted})
	assert.Equal(t, StateStarted, e.session.State())

	e.expectRelease(testDialog, testNC)
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogExited})
	assert.Equal(t, StateTerminated, e.session.State())

	released, reason := e.session.Released()
	assert.True(t, released)
	assert.Equal(t, ReasonDialogExited, reason)
	assert.Equal(t, 0, e.svc.Count())

	// повторное завершение не освобождает ресурсы еще раз
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogExited})
	e.media.AssertNumberOfCalls(t, "Release", 2)
	e.media.AssertExpectations(t)
	e.sig.AssertExpectations(t)
}

func TestAckBeforePreparedIsBuffered(t *testing.T) {
	e := newTestEnv(t)
	e.answered()

	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventAck})
	assert.Equal(t, StateStartRequested, e.session.State())
	e.media.AssertNotCalled(t, "StartDialog", mock.Anything, mock.Anything, mock.Anything)

	e.media.On("StartDialog", mock.Anything, testDialog, map[string]string{"lang": "ru"}).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogStarted})

	assert.Equal(t, StateStarted, e.session.State())
	e.media.AssertExpectations(t)
}

func TestNegotiationRejected(t *testing.T) {
	e := newTestEnv(t)
	rejected := mscontrol.NegotiationRejectedError("no common audio codec")

	e.media.On("Negotiate", mock.Anything, testNC, testOffer).Return(nil, rejected).Once()
	e.sig.On("SendResponse", mock.Anything, testKey, mscontrol.StatusServerInternalError,
		mscontrol.ReasonUnsupportedMediaType, []byte(nil)).Return(nil).Once()
	e.expectRelease(testNC)

	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventOfferReceived, Payload: testOffer})

	released, reason := e.session.Released()
	assert.True(t, released)
	assert.Equal(t, ReasonNegotiationFailed, reason)
	e.media.AssertNotCalled(t, "Allocate", mock.Anything, testKey, mscontrol.VxmlDialog)
	e.media.AssertExpectations(t)
	e.sig.AssertExpectations(t)
}

func TestDialogAllocationFailure(t *testing.T) {
	e := newTestEnv(t)
	e.media.On("Negotiate", mock.Anything, testNC, testOffer).Return([]byte("answer"), nil).Once()
	e.media.On("Allocate", mock.Anything, testKey, mscontrol.VxmlDialog).
		Return(mscontrol.Handle(""), errors.New("no vxml license")).Once()
	e.sig.On("SendResponse", mock.Anything, testKey, mscontrol.StatusServerInternalError,
		mscontrol.ReasonUnsupportedMediaType, []byte(nil)).Return(nil).Once()
	e.expectRelease(testNC)

	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventOfferReceived, Payload: testOffer})

	released, reason := e.session.Released()
	assert.True(t, released)
	assert.Equal(t, ReasonError, reason)
	e.sig.AssertNotCalled(t, "SendResponse", mock.Anything, testKey, mscontrol.StatusOK, mock.Anything, mock.Anything)
}

func TestTransferFlow(t *testing.T) {
	e := newTestEnv(t)
	e.answered()
	e.media.On("StartDialog", mock.Anything, testDialog, mock.Anything).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventAck})
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogStarted})

	e.sig.On("SendRequest", mock.Anything, mock.AnythingOfType("mscontrol.Key"), mscontrol.MethodInvite,
		"sip:bob@example.com", []byte(nil)).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{
		Kind:    mscontrol.EventDialogTransfer,
		Name:    TransferEventName,
		Payload: []byte("sip:bob@example.com"),
	})

	assert.Equal(t, StateTransferring, e.session.State())
	transferKey := e.session.TransferKey()
	require.NotEmpty(t, transferKey)
	aliased, ok := e.svc.Session(transferKey)
	require.True(t, ok)
	assert.Same(t, e.session, aliased)
	assert.Equal(t, 1, e.svc.Count(), "псевдоним не считается отдельной сессией")

	// абонент положил трубку во время перевода: диалог не трогаем
	e.sig.On("SendResponse", mock.Anything, testKey, mscontrol.StatusOK, mscontrol.ReasonOK, []byte(nil)).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventHangup})
	e.media.AssertNotCalled(t, "TerminateDialog", mock.Anything, mock.Anything)

	// цель ответила: ACK и завершение диалога
	e.sig.On("SendAck", mock.Anything, transferKey).Return(nil).Once()
	e.media.On("TerminateDialog", mock.Anything, testDialog).Return(nil).Once()
	e.svc.DispatchEvent(transferKey, mscontrol.Event{Kind: mscontrol.EventAnswered, Payload: []byte("sdp")})

	e.expectRelease(testDialog, testNC)
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogExited})

	_, ok = e.svc.Session(transferKey)
	assert.False(t, ok, "псевдоним удаляется вместе с сессией")
	e.media.AssertExpectations(t)
	e.sig.AssertExpectations(t)
}

func TestTransferUsesConfiguredTarget(t *testing.T) {
	e := newTestEnv(t)
	e.answered()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})

	e.sig.On("SendRequest", mock.Anything, mock.Anything, mscontrol.MethodInvite,
		"sip:operator@example.com", []byte(nil)).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogTransfer, Name: TransferEventName})

	assert.Equal(t, StateTransferring, e.session.State())
	e.sig.AssertExpectations(t)
}

func TestForeignMidCallEventIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.answered()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogTransfer, Name: "record"})

	assert.Equal(t, StatePrepared, e.session.State())
	e.sig.AssertNotCalled(t, "SendRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTransferBeforeDialogReadyIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.answered()
	e.svc.DispatchEvent(testKey, mscontrol.Event{
		Kind:    mscontrol.EventDialogTransfer,
		Name:    TransferEventName,
		Payload: []byte("sip:bob@example.com"),
	})

	assert.Equal(t, StateIdle, e.session.State())
	assert.Empty(t, e.session.TransferKey())
	e.sig.AssertNotCalled(t, "SendRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRejectedTransferTerminatesDialog(t *testing.T) {
	e := newTestEnv(t)
	e.answered()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})
	e.sig.On("SendRequest", mock.Anything, mock.Anything, mscontrol.MethodInvite, mock.Anything, mock.Anything).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogTransfer, Name: TransferEventName})

	e.media.On("TerminateDialog", mock.Anything, testDialog).Return(nil).Once()
	e.svc.DispatchEvent(e.session.TransferKey(), mscontrol.Event{Kind: mscontrol.EventRejected, Status: 486})
	e.media.AssertExpectations(t)
}

func TestHangupTerminatesDialog(t *testing.T) {
	e := newTestEnv(t)
	e.answered()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventDialogPrepared})

	e.sig.On("SendResponse", mock.Anything, testKey, mscontrol.StatusOK, mscontrol.ReasonOK, []byte(nil)).Return(nil).Once()
	e.media.On("TerminateDialog", mock.Anything, testDialog).Return(nil).Once()
	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventHangup})

	released, _ := e.session.Released()
	assert.False(t, released, "освобождение по DialogExited")
	e.media.AssertExpectations(t)
}

func TestHangupBeforeOfferReleasesImmediately(t *testing.T) {
	e := newTestEnv(t)
	e.sig.On("SendResponse", mock.Anything, testKey, mscontrol.StatusOK, mscontrol.ReasonOK, []byte(nil)).Return(nil).Once()
	e.expectRelease(testNC)

	e.svc.DispatchEvent(testKey, mscontrol.Event{Kind: mscontrol.EventHangup})

	released, reason := e.session.Released()
	assert.True(t, released)
	assert.Equal(t, ReasonDialogExited, reason)
	assert.Equal(t, StateTerminated, e.session.State())
}

func TestServiceRegistry(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.svc.CreateSession(context.Background(), testKey)
	assert.Error(t, err, "ключ занят")
	_, err = e.svc.CreateSession(context.Background(), "")
	assert.Error(t, err)

	e.media.On("Allocate", mock.Anything, mscontrol.Key("call-2"), mscontrol.NetworkConnection).
		Return(mscontrol.Handle(""), errors.New("port pool exhausted")).Once()
	err = e.svc.Accept(context.Background(), "call-2")
	assert.True(t, errors.Is(err, mscontrol.ErrResourceAllocation))

	// неизвестный ключ
	e.svc.DispatchEvent("missing", mscontrol.Event{Kind: mscontrol.EventAck})

	e.expectRelease(testNC)
	require.NoError(t, e.svc.Shutdown(context.Background()))
	assert.Equal(t, 0, e.svc.Count())
	_, reason := e.session.Released()
	assert.Equal(t, ReasonShutdown, reason)
}
