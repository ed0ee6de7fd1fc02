package addressbook

// State состояние VXML диалога адресной книги
type State string

const (
	StateIdle           State = "IDLE"
	StateStartRequested State = "START_REQUESTED"
	StatePrepared       State = "PREPARED"
	StateStarted        State = "STARTED"
	StateTerminated     State = "TERMINATED"
	StateTransferring   State = "TRANSFERRING"
)

// Имена событий fsm
const (
	fsmPrepared     = "prepared"
	fsmRequestStart = "request_start"
	fsmStarted      = "started"
	fsmTransfer     = "transfer"
	fsmExit         = "exit"
)

func (s State) String() string { return string(s) }
