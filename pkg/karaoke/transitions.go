package karaoke

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// action побочный эффект перехода. Выполняется после смены состояния,
// вне колбэков fsm.
type action func(l *Leg, ev mscontrol.Event) error

// guard уточняет, подходит ли правило к событию
type guard func(ev mscontrol.Event) bool

// rule одна строка таблицы переходов.
// Пустой event означает, что состояние не меняется.
// solo ограничивает правило ногами вне хора.
type rule struct {
	from  State
	on    mscontrol.EventKind
	when  guard
	solo  bool
	event string
	to    State
	do    action
}

// Имена событий fsm
const (
	fsmAnswerCall     = "answer_call"
	fsmDial           = "dial"
	fsmSingSolo       = "sing_solo"
	fsmSingChorus     = "sing_chorus"
	fsmChorusStarted  = "chorus_started"
	fsmChorusStopped  = "chorus_stopped"
	fsmKaraokeDone    = "karaoke_done"
	fsmListen         = "listen"
	fsmRemoteAnswered = "remote_answered"
	fsmRelease        = "release"
)

func digit(d string) guard {
	return func(ev mscontrol.Event) bool { return ev.Digit == d }
}

func validOption(ev mscontrol.Event) bool {
	_, err := ParseListeningOption(ev.Digit)
	return err == nil
}

// promptDone завершение подсказки: доиграла, прервана DTMF или
// остановлена командой Stop
func promptDone(ev mscontrol.Event) bool {
	switch ev.Qualifier {
	case mscontrol.QualifierEndOfPrompt, mscontrol.QualifierStoppedBySignal, mscontrol.QualifierStopped:
		return true
	}
	return false
}

func notPrompt(ev mscontrol.Event) bool {
	return !promptDone(ev)
}

func endOfData(ev mscontrol.Event) bool {
	return ev.Qualifier == mscontrol.QualifierEndOfData
}

// transitions таблица переходов ноги. Первое подходящее правило выигрывает,
// поэтому правила с guard идут раньше общих.
var transitions []rule

func init() {
	transitions = buildTable()
}

func buildTable() []rule {
	table := []rule{
		// установление вызова
		{from: StateInitial, on: mscontrol.EventOfferReceived, do: (*Leg).answerOffer},
		{from: StateInitial, on: mscontrol.EventAck, event: fsmAnswerCall, to: StatePlayingIntro, do: (*Leg).playIntro},
		{from: StateInitial, on: mscontrol.EventOfferGenerated, event: fsmDial, to: StateWaitingForRemoteSDP, do: (*Leg).sendInvite},
		{from: StateWaitingForRemoteSDP, on: mscontrol.EventAnswered, event: fsmRemoteAnswered, to: StateWaitOtherSingers, do: (*Leg).joinAfterAnswer},
		{from: StateWaitingForRemoteSDP, on: mscontrol.EventRejected, do: (*Leg).inviteRejected},

		// приветствие
		{from: StatePlayingIntro, on: mscontrol.EventSignalDetected, when: digit("1"), event: fsmSingSolo, to: StateKaraokeStarted, do: (*Leg).startSolo},
		{from: StatePlayingIntro, on: mscontrol.EventSignalDetected, when: digit("2"), event: fsmSingChorus, to: StateWaitOtherSingers, do: (*Leg).createChorus},
		{from: StatePlayingIntro, on: mscontrol.EventSignalDetected},
		{from: StatePlayingIntro, on: mscontrol.EventPlaybackCompleted, when: promptDone},

		// ожидание хора
		{from: StateWaitOtherSingers, on: mscontrol.EventSignalDetected, when: digit("0"), do: (*Leg).startChorus},
		{from: StateWaitOtherSingers, on: mscontrol.EventSignalDetected},
		{from: StateWaitOtherSingers, on: mscontrol.EventPlaybackCompleted, when: promptDone},
		{from: StateWaitOtherSingers, on: mscontrol.EventChorusStarted, event: fsmChorusStarted, to: StateKaraokeStarted},
		{from: StateWaitOtherSingers, on: mscontrol.EventChorusStopped, event: fsmChorusStopped, to: StateSelectChorusListeningOption, do: (*Leg).promptChorusListen},

		// пение
		{from: StateKaraokeStarted, on: mscontrol.EventPlaybackCompleted, when: endOfData, solo: true, event: fsmKaraokeDone, to: StateSelectListeningOption, do: (*Leg).promptListen},
		{from: StateKaraokeStarted, on: mscontrol.EventPlaybackCompleted},
		{from: StateKaraokeStarted, on: mscontrol.EventChorusStopped, event: fsmChorusStopped, to: StateSelectChorusListeningOption, do: (*Leg).promptChorusListen},

		// выбор варианта прослушивания
		{from: StateSelectListeningOption, on: mscontrol.EventSignalDetected, when: validOption, event: fsmListen, to: StateListeningKaraoke, do: (*Leg).listenSolo},
		{from: StateSelectListeningOption, on: mscontrol.EventSignalDetected, do: (*Leg).rejectOption},
		{from: StateSelectListeningOption, on: mscontrol.EventPlaybackCompleted, when: promptDone},
		{from: StateSelectChorusListeningOption, on: mscontrol.EventSignalDetected, when: validOption, event: fsmListen, to: StateListeningKaraoke, do: (*Leg).listenChorus},
		{from: StateSelectChorusListeningOption, on: mscontrol.EventSignalDetected, do: (*Leg).rejectOption},
		{from: StateSelectChorusListeningOption, on: mscontrol.EventPlaybackCompleted, when: promptDone},

		// прослушивание
		{from: StateListeningKaraoke, on: mscontrol.EventPlaybackCompleted, when: notPrompt, do: (*Leg).finishListening},
		{from: StateListeningKaraoke, on: mscontrol.EventPlaybackCompleted},
	}

	for _, s := range LiveStates() {
		table = append(table,
			rule{from: s, on: mscontrol.EventHangup, do: (*Leg).hangup},
			rule{from: s, on: mscontrol.EventRecordCompleted},
		)
		// повторный ACK (ретрансмиссия 2xx) не меняет состояние
		if s != StateInitial {
			table = append(table, rule{from: s, on: mscontrol.EventAck})
		}
	}
	return table
}

// resolve ищет правило для пары (состояние, событие).
// member сообщает, что нога состоит в хоре. nil означает неожиданное событие.
func resolve(state State, member bool, ev mscontrol.Event) *rule {
	for i := range transitions {
		r := &transitions[i]
		if r.from != state || r.on != ev.Kind {
			continue
		}
		if r.solo && member {
			continue
		}
		if r.when != nil && !r.when(ev) {
			continue
		}
		return r
	}
	return nil
}

// fsmEvents собирает описание событий fsm из таблицы переходов
func fsmEvents() fsm.Events {
	type edge struct {
		src []string
		dst string
	}
	order := make([]string, 0)
	edges := make(map[string]*edge)
	add := func(name string, from, to State) {
		e, ok := edges[name]
		if !ok {
			e = &edge{dst: string(to)}
			edges[name] = e
			order = append(order, name)
		}
		for _, s := range e.src {
			if s == string(from) {
				return
			}
		}
		e.src = append(e.src, string(from))
	}

	for _, r := range transitions {
		if r.event != "" {
			add(r.event, r.from, r.to)
		}
	}
	for _, s := range LiveStates() {
		add(fsmRelease, s, StateReleased)
	}

	events := make(fsm.Events, 0, len(order))
	for _, name := range order {
		events = append(events, fsm.EventDesc{Name: name, Src: edges[name].src, Dst: edges[name].dst})
	}
	return events
}

// newLegFSM создает машину состояний ноги. onTransition вызывается
// после каждой смены состояния.
func newLegFSM(onTransition func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateInitial),
		fsmEvents(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onTransition(State(e.Src), State(e.Dst))
			},
		},
	)
}
