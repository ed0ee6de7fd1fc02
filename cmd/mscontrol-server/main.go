// mscontrol-server запускает одно из приложений управления вызовами
// (караоке, адресная книга, проигрывание) как SIP сервер с встроенным
// симулятором медиа сервера.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	configPath string
	listenAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mscontrol-server",
	Short: "SIP сервер с приложениями управления медиа",
	Long: `mscontrol-server принимает SIP вызовы и передает их выбранному приложению.

Примеры:
  mscontrol-server karaoke --config server.ini
  mscontrol-server addressbook --listen 0.0.0.0:5080
  mscontrol-server play --uri /media/welcome.3gp --log-level debug`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "INI файл настроек")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "SIP адрес host:port, перекрывает [sip]")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "уровень журнала, перекрывает [logging]")

	rootCmd.AddCommand(karaokeCmd)
	rootCmd.AddCommand(addressBookCmd)
	rootCmd.AddCommand(playCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
