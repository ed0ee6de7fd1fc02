package mscontrol

// Key корреляционный ключ, связывающий внешние события с конкретной
// ногой вызова (Call-ID для SIP ног, UUID для групповых сессий).
type Key string

// String возвращает строковое представление ключа
func (k Key) String() string {
	return string(k)
}

// Handle непрозрачный идентификатор медиа ресурса, выданный медиа сервисом.
// Нога хранит только ссылку, ресурсом владеет медиа сервис.
type Handle string

// String возвращает строковое представление handle
func (h Handle) String() string {
	return string(h)
}

// IsZero сообщает, что handle не выделен
func (h Handle) IsZero() bool {
	return h == ""
}

// ResourceKind тип запрашиваемого медиа ресурса
type ResourceKind int

const (
	// NetworkConnection RTP соединение с абонентом (SDP port manager)
	NetworkConnection ResourceKind = iota
	// MediaGroup player + recorder + signal detector
	MediaGroup
	// PlayerGroup только player, используется для микширования
	PlayerGroup
	// Mixer аудио микшер
	Mixer
	// VxmlDialog VoiceXML диалог
	VxmlDialog
)

// String возвращает строковое представление типа ресурса
func (k ResourceKind) String() string {
	switch k {
	case NetworkConnection:
		return "network_connection"
	case MediaGroup:
		return "media_group"
	case PlayerGroup:
		return "player_group"
	case Mixer:
		return "mixer"
	case VxmlDialog:
		return "vxml_dialog"
	default:
		return "unknown"
	}
}

// Direction направление соединения двух ресурсов
type Direction int

const (
	// Duplex двунаправленное соединение
	Duplex Direction = iota
	// Send поток только от первого ресурса ко второму
	Send
	// Recv поток только от второго ресурса к первому
	Recv
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	switch d {
	case Duplex:
		return "duplex"
	case Send:
		return "send"
	case Recv:
		return "recv"
	default:
		return "unknown"
	}
}

// CompletionPolicy правило завершения операции проигрывания/записи (RTC)
type CompletionPolicy int

const (
	// PolicyNone без дополнительных условий
	PolicyNone CompletionPolicy = iota
	// PolicyStopOnSignal проигрывание прерывается любым DTMF
	PolicyStopOnSignal
	// PolicyStopRecordOnPlayEnd запись останавливается, когда завершилось парное проигрывание
	PolicyStopRecordOnPlayEnd
)

// String возвращает строковое представление политики
func (p CompletionPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyStopOnSignal:
		return "stop_on_signal"
	case PolicyStopRecordOnPlayEnd:
		return "stop_record_on_play_end"
	default:
		return "unknown"
	}
}

// Стандартные SIP методы и коды, которые использует ядро.
// Для ядра это непрозрачные токены, смысл им придает сигнальный сервис.
const (
	MethodInvite = "INVITE"
	MethodBye    = "BYE"

	StatusOK                   = 200
	StatusServerInternalError  = 500
	ReasonOK                   = "OK"
	ReasonUnsupportedMediaType = "Unsupported Media Type"
)
