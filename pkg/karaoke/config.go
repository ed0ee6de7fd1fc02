package karaoke

import (
	"fmt"
)

// Config содержит адреса подсказок и трека караоке
type Config struct {
	// IntroPrompt - приветствие с выбором "1" соло / "2" хор
	IntroPrompt string

	// ListenPrompt - меню вариантов прослушивания для соло
	ListenPrompt string

	// ListenChorusPrompt - меню вариантов прослушивания для хора
	ListenChorusPrompt string

	// JoinedPrompt - "вы в хоре, подождите остальных"
	JoinedPrompt string

	// ChorusIntroPrompt - звучит для всего хора, когда вступает новый участник
	ChorusIntroPrompt string

	// KaraokeTrack - минусовка, под которую поют
	KaraokeTrack string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		IntroPrompt:        "/prompt/intro.3gp",
		ListenPrompt:       "/prompt/listen.3gp",
		ListenChorusPrompt: "/prompt/listenChorus.3gp",
		JoinedPrompt:       "/prompt/joinedPleaseWait.3gp",
		ChorusIntroPrompt:  "/prompt/chorusIntro.3gp",
		KaraokeTrack:       "/media/karaokeData.3gp",
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	required := map[string]string{
		"IntroPrompt":        c.IntroPrompt,
		"ListenPrompt":       c.ListenPrompt,
		"ListenChorusPrompt": c.ListenChorusPrompt,
		"JoinedPrompt":       c.JoinedPrompt,
		"ChorusIntroPrompt":  c.ChorusIntroPrompt,
		"KaraokeTrack":       c.KaraokeTrack,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("karaoke config: %s не задан", name)
		}
	}
	return nil
}
