package karaoke

import (
	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// ListeningOption вариант прослушивания результата
type ListeningOption int

const (
	// OptionMixWithGroup оригинальный трек вместе с записью (хор: запись хора)
	OptionMixWithGroup ListeningOption = 1
	// OptionGroupOnly только запись (хор: запись хора, соло: своя запись)
	OptionGroupOnly ListeningOption = 2
	// OptionMixWithOwn оригинальный трек вместе со своей записью
	OptionMixWithOwn ListeningOption = 3
	// OptionOwnOnly только своя запись
	OptionOwnOnly ListeningOption = 4
)

// ParseListeningOption разбирает цифру DTMF.
// Допустимы только "1".."4".
func ParseListeningOption(d string) (ListeningOption, error) {
	if len(d) != 1 || d[0] < '1' || d[0] > '4' {
		return 0, mscontrol.InvalidOptionError(d)
	}
	return ListeningOption(d[0] - '0'), nil
}

// target на каком ресурсе ноги играть
type target int

const (
	onMainGroup target = iota
	onPlayerGroup
)

type playStep struct {
	on  target
	uri string
}

// listenPlan что нужно сделать для выбранного варианта.
// Варианты не каскадируются: каждому соответствует ровно один план.
type listenPlan struct {
	mix   bool
	plays []playStep
}

// sources адреса медиа для прослушивания
type sources struct {
	track string
	own   string
	group string
}

// planSolo план прослушивания для соло. Записи хора у соло нет,
// поэтому вариант 2 равен варианту 4.
func planSolo(opt ListeningOption, src sources) listenPlan {
	switch opt {
	case OptionMixWithGroup, OptionMixWithOwn:
		return listenPlan{mix: true, plays: []playStep{
			{on: onPlayerGroup, uri: src.track},
			{on: onMainGroup, uri: src.own},
		}}
	default:
		return listenPlan{plays: []playStep{{on: onMainGroup, uri: src.own}}}
	}
}

// planChorus план прослушивания для участника хора
func planChorus(opt ListeningOption, src sources) listenPlan {
	switch opt {
	case OptionMixWithGroup:
		return listenPlan{mix: true, plays: []playStep{
			{on: onMainGroup, uri: src.track},
			{on: onPlayerGroup, uri: src.group},
		}}
	case OptionGroupOnly:
		return listenPlan{plays: []playStep{{on: onMainGroup, uri: src.group}}}
	case OptionMixWithOwn:
		return listenPlan{mix: true, plays: []playStep{
			{on: onMainGroup, uri: src.track},
			{on: onPlayerGroup, uri: src.own},
		}}
	default:
		return listenPlan{plays: []playStep{{on: onMainGroup, uri: src.own}}}
	}
}
