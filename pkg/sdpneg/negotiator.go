// Package sdpneg согласует аудио параметры SDP offer/answer для медиа
// сервиса. Поддерживаются статические кодеки PCMU, PCMA, G722 и
// telephone-event (RFC 4733) для DTMF.
package sdpneg

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

// Статические payload type аудио кодеков
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
	PayloadTypeG722 uint8 = 9

	// DefaultDTMFPayloadType динамический payload type telephone-event
	DefaultDTMFPayloadType uint8 = 101
)

var codecNames = map[uint8]string{
	PayloadTypePCMU: "PCMU",
	PayloadTypePCMA: "PCMA",
	PayloadTypeG722: "G722",
}

const telephoneEvent = "telephone-event"

// Params результат согласования
type Params struct {
	RemoteIP        string
	RemotePort      int
	PayloadType     uint8
	Codec           string
	DTMFPayloadType uint8 // 0, если telephone-event не согласован
	Direction       sdp.Direction
}

// Negotiator строит и разбирает SDP аудио сессии
type Negotiator struct {
	LocalIP     string
	SessionName string
	// Payloads поддерживаемые кодеки в порядке предпочтения
	Payloads []uint8
	// DTMFPayloadType 0 отключает telephone-event
	DTMFPayloadType uint8

	sessionVersion atomic.Uint64
}

// New создает Negotiator с кодеками по умолчанию
func New(localIP, sessionName string) *Negotiator {
	n := &Negotiator{
		LocalIP:         localIP,
		SessionName:     sessionName,
		Payloads:        []uint8{PayloadTypePCMU, PayloadTypePCMA, PayloadTypeG722},
		DTMFPayloadType: DefaultDTMFPayloadType,
	}
	n.sessionVersion.Store(uint64(time.Now().Unix()))
	return n
}

func (n *Negotiator) supports(pt uint8) bool {
	for _, p := range n.Payloads {
		if p == pt {
			return true
		}
	}
	return false
}

// Offer строит sendrecv offer для локального RTP порта
func (n *Negotiator) Offer(port int) ([]byte, error) {
	media := n.audioMedia(port, []string{"RTP", "AVP"})
	for _, pt := range n.Payloads {
		media = media.WithCodec(pt, codecNames[pt], 8000, 0, "")
	}
	if n.DTMFPayloadType != 0 {
		media = media.WithCodec(n.DTMFPayloadType, telephoneEvent, 8000, 0, "0-16")
	}
	media = media.WithPropertyAttribute(sdp.DirectionSendRecv.String())

	return n.session().WithMedia(media).Marshal()
}

// Answer разбирает offer и строит answer для локального RTP порта.
// Первый общий кодек в порядке offer становится основным. Если в offer
// нет аудио или общих кодеков, возвращается ErrNegotiationRejected.
func (n *Negotiator) Answer(offer []byte, port int) ([]byte, *Params, error) {
	remote, audio, err := parseAudio(offer)
	if err != nil {
		return nil, nil, err
	}

	params := &Params{
		RemotePort: audio.MediaName.Port.Value,
		RemoteIP:   connectionAddress(remote, audio),
		Direction:  mirror(direction(audio)),
	}

	media := n.audioMedia(port, audio.MediaName.Protos)
	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		if n.supports(uint8(pt)) {
			if params.Codec == "" {
				params.PayloadType = uint8(pt)
				params.Codec = codecNames[uint8(pt)]
			}
			media = media.WithCodec(uint8(pt), codecNames[uint8(pt)], 8000, 0, "")
		}
	}
	if params.Codec == "" {
		return nil, nil, mscontrol.NegotiationRejectedError(
			fmt.Sprintf("no common audio codec in %v", audio.MediaName.Formats))
	}

	if n.DTMFPayloadType != 0 {
		if pt, ok := telephoneEventPayload(audio); ok {
			params.DTMFPayloadType = pt
			media = media.WithCodec(pt, telephoneEvent, 8000, 0, "0-16")
		}
	}
	media = media.WithPropertyAttribute(params.Direction.String())

	answer, err := n.session().WithMedia(media).Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal answer: %w", err)
	}
	return answer, params, nil
}

// ParseAnswer проверяет answer удаленной стороны на наш offer
func (n *Negotiator) ParseAnswer(answer []byte) (*Params, error) {
	remote, audio, err := parseAudio(answer)
	if err != nil {
		return nil, err
	}
	params := &Params{
		RemotePort: audio.MediaName.Port.Value,
		RemoteIP:   connectionAddress(remote, audio),
		Direction:  direction(audio),
	}
	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err == nil && n.supports(uint8(pt)) {
			params.PayloadType = uint8(pt)
			params.Codec = codecNames[uint8(pt)]
			break
		}
	}
	if params.Codec == "" {
		return nil, mscontrol.NegotiationRejectedError("answer has no supported audio codec")
	}
	if pt, ok := telephoneEventPayload(audio); ok {
		params.DTMFPayloadType = pt
	}
	return params, nil
}

func (n *Negotiator) session() *sdp.SessionDescription {
	version := n.sessionVersion.Add(1)
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      version,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: n.LocalIP,
		},
		SessionName: sdp.SessionName(n.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: n.LocalIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}
}

func (n *Negotiator) audioMedia(port int, protos []string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: protos,
		},
	}
}

func parseAudio(raw []byte) (*sdp.SessionDescription, *sdp.MediaDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, nil, mscontrol.NegotiationRejectedError("malformed SDP").WithCause(err)
	}
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == "audio" && media.MediaName.Port.Value != 0 {
			return desc, media, nil
		}
	}
	return nil, nil, mscontrol.NegotiationRejectedError("no audio media in SDP")
}

func connectionAddress(desc *sdp.SessionDescription, media *sdp.MediaDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return desc.Origin.UnicastAddress
}

// direction атрибут направления медиа, sendrecv по умолчанию
func direction(media *sdp.MediaDescription) sdp.Direction {
	for _, attr := range media.Attributes {
		if d, err := sdp.NewDirection(attr.Key); err == nil {
			return d
		}
	}
	return sdp.DirectionSendRecv
}

// mirror направление answer для направления offer
func mirror(d sdp.Direction) sdp.Direction {
	switch d {
	case sdp.DirectionSendOnly:
		return sdp.DirectionRecvOnly
	case sdp.DirectionRecvOnly:
		return sdp.DirectionSendOnly
	case sdp.DirectionInactive:
		return sdp.DirectionInactive
	default:
		return sdp.DirectionSendRecv
	}
}

// telephoneEventPayload ищет rtpmap "<pt> telephone-event/8000"
func telephoneEventPayload(media *sdp.MediaDescription) (uint8, bool) {
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) != 2 || !strings.HasPrefix(strings.ToLower(fields[1]), telephoneEvent+"/") {
			continue
		}
		pt, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			continue
		}
		return uint8(pt), true
	}
	return 0, false
}
