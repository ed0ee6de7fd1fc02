package main

import (
	"github.com/spf13/cobra"

	"github.com/arzzra/mscontrol_samples/pkg/addressbook"
	"github.com/arzzra/mscontrol_samples/pkg/config"
	"github.com/arzzra/mscontrol_samples/pkg/karaoke"
	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
	"github.com/arzzra/mscontrol_samples/pkg/playback"
)

var karaokeCmd = &cobra.Command{
	Use:   "karaoke",
	Short: "Караоке: соло и хор с записью и прослушиванием",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), func(cfg *config.Config, env environment) (application, error) {
			return karaoke.NewController(&cfg.Karaoke, karaoke.Dependencies{
				Media:     env.media,
				Signaling: env.signaling,
				Directory: mscontrol.NewStaticDirectory(cfg.Directory.RecordBase, cfg.Directory.Friends),
				Logger:    env.logger,
				Metrics:   karaoke.NewMetrics(env.registry),
			})
		})
	},
}

var addressBookCmd = &cobra.Command{
	Use:   "addressbook",
	Short: "Адресная книга: VoiceXML диалог с переводом вызова",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), func(cfg *config.Config, env environment) (application, error) {
			return addressbook.NewService(&cfg.AddressBook, addressbook.Dependencies{
				Media:     env.media,
				Signaling: env.signaling,
				Logger:    env.logger,
				Metrics:   addressbook.NewMetrics(env.registry),
			})
		})
	},
}

var playURI string

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Проигрывание одного ресурса и завершение вызова",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), func(cfg *config.Config, env environment) (application, error) {
			if playURI != "" {
				cfg.Play.ResourceURI = playURI
			}
			return playback.New(cfg.Play, playback.Dependencies{
				Media:     env.media,
				Signaling: env.signaling,
				Logger:    env.logger,
			})
		})
	},
}

func init() {
	playCmd.Flags().StringVar(&playURI, "uri", "", "ресурс для проигрывания, перекрывает [play]")
}
