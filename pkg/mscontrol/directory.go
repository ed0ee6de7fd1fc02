package mscontrol

import (
	"path"
	"strings"
)

// StaticDirectory Directory на основе конфигурации: записи складываются
// под RecordBase, список друзей общий для всех участников.
type StaticDirectory struct {
	RecordBase string
	Peers      []string
}

// NewStaticDirectory создает каталог с базовым путем записей и списком друзей
func NewStaticDirectory(recordBase string, peers []string) *StaticDirectory {
	if recordBase == "" {
		recordBase = "/records"
	}
	return &StaticDirectory{
		RecordBase: recordBase,
		Peers:      append([]string(nil), peers...),
	}
}

// LegRecordURI реализует Directory
func (d *StaticDirectory) LegRecordURI(key Key) string {
	return path.Join(d.RecordBase, "singer-"+sanitize(string(key))+".3gp")
}

// GroupRecordURI реализует Directory
func (d *StaticDirectory) GroupRecordURI(group Key) string {
	return path.Join(d.RecordBase, "chorus-"+sanitize(string(group))+".3gp")
}

// AvailablePeers реализует Directory. Возвращает копию, без самого key.
func (d *StaticDirectory) AvailablePeers(key Key) []string {
	peers := make([]string, 0, len(d.Peers))
	for _, p := range d.Peers {
		if p == string(key) {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// sanitize убирает из ключа символы, недопустимые в имени файла
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '@', ' ':
			return '_'
		}
		return r
	}, s)
}
