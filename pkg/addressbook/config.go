package addressbook

import "errors"

// Config настройки адресной книги
type Config struct {
	// VXMLURL документ диалога
	VXMLURL string
	// TransferTarget адрес перевода, если диалог не передал свой
	TransferTarget string
	// DialogParams параметры запуска диалога
	DialogParams map[string]string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		VXMLURL:      "http://vxmlserver/addressbook.vxml",
		DialogParams: map[string]string{},
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.VXMLURL == "" {
		return errors.New("addressbook: не задан VXML URL")
	}
	return nil
}
