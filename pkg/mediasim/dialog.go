package mediasim

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// PrepareDialog загружает VXML документ. DialogPrepared приходит через
// DialogPrepareDelay.
func (s *Service) PrepareDialog(ctx context.Context, h mscontrol.Handle, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(h, mscontrol.VxmlDialog)
	if err != nil {
		return err
	}
	if r.phase != dialogIdle {
		return errors.Wrapf(ErrDialogState, "prepare %s", h)
	}
	r.phase = dialogPreparing
	r.dialogURL = url
	r.dialogTimer = time.AfterFunc(s.cfg.DialogPrepareDelay, func() { s.dialogPrepared(h) })

	s.metrics.operation("prepare_dialog")
	s.logger.Debug().Str("handle", h.String()).Str("url", url).Msg("Подготовка VXML диалога")
	return nil
}

func (s *Service) dialogPrepared(h mscontrol.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r, ok := s.resources[h]
	if !ok || r.phase != dialogPreparing {
		return
	}
	r.phase = dialogPrepared
	r.dialogTimer = nil
	s.queue.push(r.owner, mscontrol.Event{Kind: mscontrol.EventDialogPrepared, Handle: h})
}

// StartDialog запускает подготовленный диалог
func (s *Service) StartDialog(ctx context.Context, h mscontrol.Handle, params map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(h, mscontrol.VxmlDialog)
	if err != nil {
		return err
	}
	if r.phase != dialogPrepared {
		return errors.Wrapf(ErrDialogState, "start %s", h)
	}
	r.phase = dialogRunning
	r.dialogParams = make(map[string]string, len(params))
	for k, v := range params {
		r.dialogParams[k] = v
	}
	s.queue.push(r.owner, mscontrol.Event{Kind: mscontrol.EventDialogStarted, Handle: h})

	if s.cfg.DialogDuration > 0 {
		r.dialogTimer = time.AfterFunc(s.cfg.DialogDuration, func() { s.dialogScriptDone(h) })
	}
	s.metrics.operation("start_dialog")
	return nil
}

// dialogScriptDone конец сценария: перевод или выход
func (s *Service) dialogScriptDone(h mscontrol.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r, ok := s.resources[h]
	if !ok || r.phase != dialogRunning {
		return
	}
	r.dialogTimer = nil
	if s.cfg.DialogTransferTarget != "" {
		s.pushTransferLocked(r, s.cfg.DialogTransferTarget)
		return
	}
	r.phase = dialogDone
	s.queue.push(r.owner, mscontrol.Event{Kind: mscontrol.EventDialogExited, Handle: h})
}

// RequestTransfer имитирует запрос перевода из VXML документа
func (s *Service) RequestTransfer(h mscontrol.Handle, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(h, mscontrol.VxmlDialog)
	if err != nil {
		return err
	}
	if r.phase != dialogRunning {
		return errors.Wrapf(ErrDialogState, "transfer %s", h)
	}
	s.pushTransferLocked(r, target)
	return nil
}

func (s *Service) pushTransferLocked(r *resource, target string) {
	s.queue.push(r.owner, mscontrol.Event{
		Kind:    mscontrol.EventDialogTransfer,
		Handle:  r.handle,
		Name:    TransferEventName,
		Payload: []byte(target),
	})
}

// DialogParams параметры, с которыми запущен диалог
func (s *Service) DialogParams(h mscontrol.Handle) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[h]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(r.dialogParams))
	for k, v := range r.dialogParams {
		out[k] = v
	}
	return out
}

// TerminateDialog завершает диалог. DialogExited приходит один раз,
// повторный вызов ничего не делает.
func (s *Service) TerminateDialog(ctx context.Context, h mscontrol.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupKindLocked(h, mscontrol.VxmlDialog)
	if err != nil {
		return err
	}
	if r.phase == dialogDone {
		return nil
	}
	if r.dialogTimer != nil {
		r.dialogTimer.Stop()
		r.dialogTimer = nil
	}
	r.phase = dialogDone
	s.queue.push(r.owner, mscontrol.Event{Kind: mscontrol.EventDialogExited, Handle: h})
	s.metrics.operation("terminate_dialog")
	return nil
}
