package mediasim

import (
	"time"

	"github.com/arzzra/mscontrol_samples/pkg/dtmf"
	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
	"github.com/arzzra/mscontrol_samples/pkg/sdpneg"
)

type operation struct {
	id     uint64
	uri    string
	policy mscontrol.CompletionPolicy
	prompt bool
	timer  *time.Timer
}

type dialogPhase int

const (
	dialogIdle dialogPhase = iota
	dialogPreparing
	dialogPrepared
	dialogRunning
	dialogDone
)

type resource struct {
	handle mscontrol.Handle
	owner  mscontrol.Key
	kind   mscontrol.ResourceKind

	// network connection
	port     int
	params   *sdpneg.Params
	detector *dtmf.Detector
	dtmfPT   uint8
	rtpClock uint32
	dtmfGen  *dtmf.Generator
	rtp      *rtpListener

	plays   map[uint64]*operation
	records map[uint64]*operation
	joins   map[mscontrol.Handle]mscontrol.Direction

	// vxml dialog
	phase        dialogPhase
	dialogURL    string
	dialogParams map[string]string
	dialogTimer  *time.Timer
}

func newResource(h mscontrol.Handle, owner mscontrol.Key, kind mscontrol.ResourceKind) *resource {
	return &resource{
		handle:  h,
		owner:   owner,
		kind:    kind,
		plays:   make(map[uint64]*operation),
		records: make(map[uint64]*operation),
		joins:   make(map[mscontrol.Handle]mscontrol.Direction),
	}
}

// canPlay ресурс содержит player
func (r *resource) canPlay() bool {
	return r.kind == mscontrol.MediaGroup || r.kind == mscontrol.PlayerGroup
}

// stopTimers останавливает все таймеры ресурса без генерации событий
func (r *resource) stopTimers() {
	for _, op := range r.plays {
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	if r.dialogTimer != nil {
		r.dialogTimer.Stop()
	}
}

// closeRTP закрывает сокет, чтение завершится само
func (r *resource) closeRTP() {
	if r.rtp != nil {
		r.rtp.close()
	}
}

func reverse(dir mscontrol.Direction) mscontrol.Direction {
	switch dir {
	case mscontrol.Send:
		return mscontrol.Recv
	case mscontrol.Recv:
		return mscontrol.Send
	default:
		return dir
	}
}
