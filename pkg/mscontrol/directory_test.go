package mscontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory("", []string{"sip:bob@example.com", "sip:carol@example.com"})

	assert.Equal(t, "/records/singer-abc_host.3gp", d.LegRecordURI("abc@host"))
	assert.Equal(t, "/records/chorus-g_1.3gp", d.GroupRecordURI("g/1"))
	assert.Equal(t, []string{"sip:carol@example.com"}, d.AvailablePeers("sip:bob@example.com"))

	peers := d.AvailablePeers("call-1")
	peers[0] = "changed"
	assert.Equal(t, "sip:bob@example.com", d.AvailablePeers("call-1")[0], "возвращается копия")
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "signal_detected(5)", Signal("5").String())
	assert.Equal(t, "playback_completed(end_of_prompt)", PlaybackDone("h", QualifierEndOfPrompt).String())
	assert.Equal(t, "rejected(486)", Event{Kind: EventRejected, Status: 486}.String())
	assert.Equal(t, "hangup", Event{Kind: EventHangup}.String())
	assert.Equal(t, "event(99)", EventKind(99).String())
	assert.Len(t, AllEventKinds(), len(eventKindNames))
}
