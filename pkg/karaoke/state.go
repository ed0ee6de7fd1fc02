package karaoke

// State состояние ноги караоке
type State string

func (s State) String() string {
	return string(s)
}

const (
	// StateInitial нога создана, сигнализация еще не установлена
	StateInitial State = "Initial"
	// StatePlayingIntro проигрывается приветствие, ждем выбор "1" (соло) или "2" (хор)
	StatePlayingIntro State = "PlayingIntro"
	// StateWaitOtherSingers участник в хоре, ждем "0" для старта
	StateWaitOtherSingers State = "WaitOtherSingers"
	// StateKaraokeStarted идет проигрывание трека и запись
	StateKaraokeStarted State = "KaraokeStarted"
	// StateSelectListeningOption соло: ждем выбор варианта прослушивания
	StateSelectListeningOption State = "SelectListeningOption"
	// StateSelectChorusListeningOption хор: ждем выбор варианта прослушивания
	StateSelectChorusListeningOption State = "SelectChorusListeningOption"
	// StateListeningKaraoke проигрывается результат
	StateListeningKaraoke State = "ListeningKaraoke"
	// StateWaitingForRemoteSDP исходящий вызов, ждем SDP answer
	StateWaitingForRemoteSDP State = "WaitingForRemoteSDP"
	// StateReleased терминальное состояние, ресурсы освобождены
	StateReleased State = "Released"
)

// LiveStates все состояния, кроме терминального
func LiveStates() []State {
	return []State{
		StateInitial,
		StatePlayingIntro,
		StateWaitOtherSingers,
		StateKaraokeStarted,
		StateSelectListeningOption,
		StateSelectChorusListeningOption,
		StateListeningKaraoke,
		StateWaitingForRemoteSDP,
	}
}

// IsTerminal проверяет, является ли состояние терминальным
func (s State) IsTerminal() bool {
	return s == StateReleased
}

// Role роль ноги: отвечаем на входящий вызов или сами звоним другу
type Role int

const (
	// RoleIncoming нога создана входящим INVITE
	RoleIncoming Role = iota
	// RoleOutgoing нога создана приглашением в хор
	RoleOutgoing
)

func (r Role) String() string {
	switch r {
	case RoleIncoming:
		return "incoming"
	case RoleOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Причины освобождения ноги для логов и метрик
const (
	ReasonListeningFinished = "karaoke listening finished"
	ReasonHangup            = "user agent hangs up"
	ReasonUnexpectedEvent   = "unexpected event"
	ReasonError             = "error while handling event"
	ReasonChorusTerminated  = "chorus session terminated"
	ReasonInviteRejected    = "invitation rejected"
	ReasonShutdown          = "shutdown"
)
