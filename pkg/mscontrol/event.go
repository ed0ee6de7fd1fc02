package mscontrol

import "fmt"

// EventKind тип входящего события сигнализации или медиа
type EventKind int

const (
	// EventOfferReceived входящий INVITE с SDP offer
	EventOfferReceived EventKind = iota
	// EventAck получен ACK на наш 2xx
	EventAck
	// EventAnswered удаленная сторона ответила 2xx на наш INVITE (Payload = SDP answer)
	EventAnswered
	// EventRejected удаленная сторона отклонила наш INVITE (Status)
	EventRejected
	// EventOfferGenerated медиа сервис сформировал локальный SDP offer (Payload)
	EventOfferGenerated
	// EventPlaybackCompleted проигрывание завершилось (см. Qualifier)
	EventPlaybackCompleted
	// EventRecordCompleted запись завершилась
	EventRecordCompleted
	// EventSignalDetected детектирован DTMF (Digit)
	EventSignalDetected
	// EventDialogPrepared VXML диалог подготовлен
	EventDialogPrepared
	// EventDialogStarted VXML диалог запущен
	EventDialogStarted
	// EventDialogExited VXML диалог завершился
	EventDialogExited
	// EventDialogTransfer VXML диалог запросил перевод (Name, Payload = URI цели)
	EventDialogTransfer
	// EventHangup удаленная сторона положила трубку (BYE)
	EventHangup
	// EventChorusStarted групповая сессия запустила запись участников
	EventChorusStarted
	// EventChorusStopped групповая сессия остановлена
	EventChorusStopped
)

var eventKindNames = map[EventKind]string{
	EventOfferReceived:     "offer_received",
	EventAck:               "ack",
	EventAnswered:          "answered",
	EventRejected:          "rejected",
	EventOfferGenerated:    "offer_generated",
	EventPlaybackCompleted: "playback_completed",
	EventRecordCompleted:   "record_completed",
	EventSignalDetected:    "signal_detected",
	EventDialogPrepared:    "dialog_prepared",
	EventDialogStarted:     "dialog_started",
	EventDialogExited:      "dialog_exited",
	EventDialogTransfer:    "dialog_transfer",
	EventHangup:            "hangup",
	EventChorusStarted:     "chorus_started",
	EventChorusStopped:     "chorus_stopped",
}

// String возвращает строковое представление типа события
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// AllEventKinds возвращает все известные типы событий
func AllEventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventKindNames))
	for k := EventOfferReceived; k <= EventChorusStopped; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Qualifier уточняет причину завершения проигрывания или записи
type Qualifier int

const (
	// QualifierEndOfData ресурс проигран/записан до конца
	QualifierEndOfData Qualifier = iota
	// QualifierEndOfPrompt завершилось проигрывание подсказки
	QualifierEndOfPrompt
	// QualifierStoppedBySignal проигрывание прервано DTMF
	QualifierStoppedBySignal
	// QualifierStopped операция остановлена командой Stop
	QualifierStopped
)

// String возвращает строковое представление квалификатора
func (q Qualifier) String() string {
	switch q {
	case QualifierEndOfData:
		return "end_of_data"
	case QualifierEndOfPrompt:
		return "end_of_prompt"
	case QualifierStoppedBySignal:
		return "stopped_by_signal"
	case QualifierStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event входящее событие для ноги, диалога или группы
type Event struct {
	Kind      EventKind
	Handle    Handle    // ресурс-источник медиа события
	Digit     string    // для EventSignalDetected
	Qualifier Qualifier // для EventPlaybackCompleted/EventRecordCompleted
	Payload   []byte    // SDP или URI в зависимости от типа
	Name      string    // имя mid-call события VXML диалога
	Status    int       // код ответа для сигнальных событий
}

// String возвращает краткое описание события для логов
func (e Event) String() string {
	switch e.Kind {
	case EventSignalDetected:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Digit)
	case EventPlaybackCompleted, EventRecordCompleted:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Qualifier)
	case EventDialogTransfer:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Name)
	case EventRejected:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Status)
	default:
		return e.Kind.String()
	}
}

// Signal создает событие DTMF
func Signal(digit string) Event {
	return Event{Kind: EventSignalDetected, Digit: digit}
}

// PlaybackDone создает событие завершения проигрывания
func PlaybackDone(h Handle, q Qualifier) Event {
	return Event{Kind: EventPlaybackCompleted, Handle: h, Qualifier: q}
}
