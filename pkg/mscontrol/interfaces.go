package mscontrol

import "context"

// EventSink получатель событий от внешних сервисов.
// Реализации не блокируют вызывающего.
type EventSink interface {
	DispatchEvent(key Key, ev Event)
}

// EventSinkFunc адаптер функции к EventSink
type EventSinkFunc func(key Key, ev Event)

// DispatchEvent вызывает f(key, ev)
func (f EventSinkFunc) DispatchEvent(key Key, ev Event) {
	f(key, ev)
}

// MediaService внешний медиа сервер.
//
// Все операции асинхронные по результату: вызов только ставит команду,
// а завершение приходит событием в EventSink с ключом владельца ресурса.
type MediaService interface {
	// Allocate выделяет ресурс заданного типа для владельца owner
	Allocate(ctx context.Context, owner Key, kind ResourceKind) (Handle, error)

	// Negotiate обрабатывает SDP offer для network connection и возвращает answer.
	// Возвращает ошибку с кодом ErrNegotiationRejected, если offer не принят.
	Negotiate(ctx context.Context, nc Handle, offer []byte) ([]byte, error)

	// GenerateOffer формирует локальный SDP offer для исходящего вызова
	GenerateOffer(ctx context.Context, nc Handle) ([]byte, error)

	// ProcessAnswer применяет SDP answer удаленной стороны
	ProcessAnswer(ctx context.Context, nc Handle, answer []byte) error

	// Play запускает проигрывание ресурса uri
	Play(ctx context.Context, h Handle, uri string, policy CompletionPolicy) error

	// Record запускает запись в uri
	Record(ctx context.Context, h Handle, uri string, policy CompletionPolicy) error

	// Stop останавливает все активные операции ресурса
	Stop(ctx context.Context, h Handle) error

	// Join соединяет два ресурса в заданном направлении
	Join(ctx context.Context, a, b Handle, dir Direction) error

	// PrepareDialog подготавливает VXML диалог по url
	PrepareDialog(ctx context.Context, h Handle, url string) error

	// StartDialog запускает подготовленный VXML диалог
	StartDialog(ctx context.Context, h Handle, params map[string]string) error

	// TerminateDialog завершает VXML диалог
	TerminateDialog(ctx context.Context, h Handle) error

	// Release освобождает ресурс. Не ждет подтверждения от медиа сервера.
	Release(ctx context.Context, h Handle) error
}

// SignalingService внешний сигнальный сервис (SIP).
type SignalingService interface {
	// SendResponse отвечает на последний входящий запрос ноги key
	SendResponse(ctx context.Context, key Key, status int, reason string, body []byte) error

	// SendRequest отправляет запрос. Для INVITE key это ключ новой ноги
	// (становится Call-ID), target адрес вызываемого; ответы приходят
	// событиями EventAnswered/EventRejected с этим ключом.
	// Для запросов внутри диалога (BYE) target игнорируется.
	SendRequest(ctx context.Context, key Key, method, target string, body []byte) error

	// SendAck подтверждает 2xx ответ на исходящий INVITE ноги key
	SendAck(ctx context.Context, key Key) error
}

// Directory хранилище записей и сервис присутствия.
// Чистые запросы без побочных эффектов.
type Directory interface {
	// LegRecordURI адрес записи одного участника
	LegRecordURI(key Key) string
	// GroupRecordURI адрес записи групповой сессии
	GroupRecordURI(group Key) string
	// AvailablePeers адреса друзей, доступных для приглашения
	AvailablePeers(key Key) []string
}

// Application приложение, которому сигнальный адаптер передает вызовы.
// Accept создает сессию для нового входящего вызова с ключом key,
// после чего события вызова приходят через DispatchEvent.
type Application interface {
	EventSink
	Accept(ctx context.Context, key Key) error
}
