package karaoke

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// ErrChorusFinished хор уже спел, новые участники не принимаются
var ErrChorusFinished = errors.New("chorus already finished")

// Chorus групповая сессия: общий микшер и media group, в которую
// проигрывается трек и пишется общая запись.
//
// Все операции с составом и групповым медиа выполняются под одним
// мьютексом. Участникам состояние передается событиями в их очереди,
// поэтому блокировка хора никогда не ждет обработчик ноги.
type Chorus struct {
	key     mscontrol.Key
	ctrl    *Controller
	logger  zerolog.Logger
	mixer   mscontrol.Handle
	group   mscontrol.Handle
	created time.Time

	mu        sync.Mutex
	members   []*Leg
	started   bool
	finished  bool
	disbanded bool
}

// Key ключ группы, под ним приходят события группового медиа
func (c *Chorus) Key() mscontrol.Key { return c.key }

// Members ключи текущих участников в порядке вступления
func (c *Chorus) Members() []mscontrol.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]mscontrol.Key, 0, len(c.members))
	for _, m := range c.members {
		keys = append(keys, m.key)
	}
	return keys
}

// Disbanded сообщает, что группа распущена
func (c *Chorus) Disbanded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disbanded
}

// Started сообщает, что запись хора была запущена
func (c *Chorus) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Chorus) indexOf(leg *Leg) int {
	for i, m := range c.members {
		if m == leg {
			return i
		}
	}
	return -1
}

// Join добавляет ногу в хор: соединяет ее с микшером, проигрывает
// подсказку ожидания новичку и вступление всей группе. Повторный Join
// той же ноги ничего не делает. Если хор уже поет, вступление не
// перебивает трек, а запись участника стартует сразу.
func (c *Chorus) Join(ctx context.Context, leg *Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disbanded {
		return mscontrol.ErrGroupDisbanded
	}
	if c.finished {
		return ErrChorusFinished
	}
	if c.indexOf(leg) >= 0 {
		return nil
	}

	media := c.ctrl.media
	if err := media.Join(ctx, leg.nc, c.mixer, mscontrol.Duplex); err != nil {
		return err
	}
	leg.setChorus(c)
	c.members = append(c.members, leg)
	c.ctrl.metrics.memberJoined()
	c.logger.Info().Str("member", leg.key.String()).Int("size", len(c.members)).Msg("Участник вступил в хор")

	if err := media.Play(ctx, leg.main, c.ctrl.cfg.JoinedPrompt, mscontrol.PolicyStopOnSignal); err != nil {
		return err
	}
	if !c.started {
		return media.Play(ctx, c.group, c.ctrl.cfg.ChorusIntroPrompt, mscontrol.PolicyNone)
	}
	if err := media.Record(ctx, leg.main, c.ctrl.directory.LegRecordURI(leg.key), mscontrol.PolicyNone); err != nil {
		return err
	}
	leg.post(mscontrol.Event{Kind: mscontrol.EventChorusStarted})
	return nil
}

// Start запускает запись каждого участника, затем общий трек и общую
// запись. Повторный Start ничего не делает. Ошибка группового медиа
// распускает хор.
func (c *Chorus) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.disbanded {
		c.mu.Unlock()
		return mscontrol.ErrGroupDisbanded
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	size := len(c.members)

	err := c.startLocked(ctx)
	var victims []*Leg
	if err != nil {
		victims = c.disbandLocked(ctx)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("Не удалось запустить хор")
		c.releaseMembers(victims, err)
		return err
	}
	c.logger.Info().Int("size", size).Msg("Хор запущен")
	return nil
}

func (c *Chorus) startLocked(ctx context.Context) error {
	media := c.ctrl.media
	for _, m := range c.members {
		if err := media.Record(ctx, m.main, c.ctrl.directory.LegRecordURI(m.key), mscontrol.PolicyNone); err != nil {
			return err
		}
	}
	if err := media.Play(ctx, c.group, c.ctrl.cfg.KaraokeTrack, mscontrol.PolicyNone); err != nil {
		return err
	}
	if err := media.Record(ctx, c.group, c.ctrl.directory.GroupRecordURI(c.key), mscontrol.PolicyStopRecordOnPlayEnd); err != nil {
		return err
	}
	for _, m := range c.members {
		m.post(mscontrol.Event{Kind: mscontrol.EventChorusStarted})
	}
	return nil
}

// Stop останавливает общее медиа, затем запись каждого участника и
// сообщает участникам об окончании.
func (c *Chorus) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.disbanded {
		c.mu.Unlock()
		return mscontrol.ErrGroupDisbanded
	}
	if !c.started || c.finished {
		c.mu.Unlock()
		return nil
	}
	c.finished = true

	err := c.stopLocked(ctx)
	var victims []*Leg
	if err != nil {
		victims = c.disbandLocked(ctx)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("Не удалось остановить хор")
		c.releaseMembers(victims, err)
		return err
	}
	c.logger.Info().Msg("Хор остановлен")
	return nil
}

func (c *Chorus) stopLocked(ctx context.Context) error {
	media := c.ctrl.media
	if err := media.Stop(ctx, c.group); err != nil {
		return err
	}
	for _, m := range c.members {
		if err := media.Stop(ctx, m.main); err != nil {
			return err
		}
	}
	for _, m := range c.members {
		m.post(mscontrol.Event{Kind: mscontrol.EventChorusStopped})
	}
	return nil
}

// Leave убирает ногу из хора. Последний ушедший распускает группу.
// Для распущенной группы возвращает ErrGroupDisbanded без побочных эффектов.
func (c *Chorus) Leave(ctx context.Context, leg *Leg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disbanded {
		return mscontrol.ErrGroupDisbanded
	}
	i := c.indexOf(leg)
	if i < 0 {
		return nil
	}
	c.members = append(c.members[:i], c.members[i+1:]...)
	c.ctrl.metrics.membersLeft(1)
	c.logger.Info().Str("member", leg.key.String()).Int("size", len(c.members)).Msg("Участник покинул хор")

	if len(c.members) == 0 {
		c.disbandLocked(ctx)
	}
	return nil
}

// Terminate принудительно освобождает всех участников и распускает группу
func (c *Chorus) Terminate(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.disbanded {
		c.mu.Unlock()
		return
	}
	victims := c.disbandLocked(ctx)
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Int("members", len(victims)).Msg("Хор принудительно завершен")
	c.releaseMembers(victims, cause)
}

// disbandLocked освобождает групповое медиа ровно один раз и снимает
// группу с маршрутизации. Возвращает бывших участников.
func (c *Chorus) disbandLocked(ctx context.Context) []*Leg {
	c.disbanded = true
	victims := c.members
	c.members = nil
	c.ctrl.metrics.membersLeft(len(victims))

	for _, h := range []mscontrol.Handle{c.group, c.mixer} {
		if err := c.ctrl.media.Release(context.WithoutCancel(ctx), h); err != nil {
			c.logger.Warn().Err(err).Str("handle", h.String()).Msg("Не удалось освободить ресурс группы")
		}
	}
	c.ctrl.unregisterChorus(c)
	c.ctrl.metrics.chorusDisbanded()
	c.logger.Info().Dur("lifetime", time.Since(c.created)).Msg("Хор распущен")
	return victims
}

func (c *Chorus) releaseMembers(victims []*Leg, cause error) {
	for _, m := range victims {
		m.release(ReasonChorusTerminated, cause)
	}
}

// handleEvent события группового медиа. Окончание общего трека
// останавливает хор, ошибки групповых команд распускают его.
func (c *Chorus) handleEvent(ctx context.Context, ev mscontrol.Event) {
	switch {
	case ev.Kind == mscontrol.EventPlaybackCompleted && ev.Qualifier == mscontrol.QualifierEndOfData:
		if err := c.Stop(ctx); err != nil && !errors.Is(err, mscontrol.ErrGroupDisbanded) {
			c.logger.Error().Err(err).Msg("Ошибка остановки хора")
		}
	default:
		c.logger.Debug().Stringer("event", ev).Msg("Событие группы без действия")
	}
}
