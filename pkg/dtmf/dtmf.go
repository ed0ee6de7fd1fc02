// Package dtmf кодирует и распознает DTMF события RFC 4733 в RTP потоке.
package dtmf

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pion/rtp"
)

// Digit DTMF событие RFC 4733 (0-15)
type Digit uint8

const digitSymbols = "0123456789*#ABCD"

// ClockRate частота RTP timestamp для telephone-event
const ClockRate = 8000

// MaxDuration наибольшая длительность события, которую вмещает поле payload
const MaxDuration = math.MaxUint16

func (d Digit) String() string {
	if int(d) < len(digitSymbols) {
		return digitSymbols[d : d+1]
	}
	return "?"
}

// ParseDigit преобразует символ клавиатуры в Digit
func ParseDigit(r rune) (Digit, error) {
	i := strings.IndexRune(digitSymbols, toUpper(r))
	if i < 0 {
		return 0, fmt.Errorf("недопустимый DTMF символ: %c", r)
	}
	return Digit(i), nil
}

// ParseString преобразует строку в последовательность цифр
func ParseString(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for _, r := range s {
		d, err := ParseDigit(r)
		if err != nil {
			return nil, err
		}
		digits = append(digits, d)
	}
	return digits, nil
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// Payload telephone-event payload (4 байта)
type Payload struct {
	Event    Digit
	End      bool
	Volume   uint8  // 0-63, -dBm0
	Duration uint16 // в единицах timestamp
}

// Marshal сериализует payload
func (p Payload) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = byte(p.Event)
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// UnmarshalPayload разбирает payload
func UnmarshalPayload(data []byte) (Payload, error) {
	if len(data) < 4 {
		return Payload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	if data[0] > 15 {
		return Payload{}, fmt.Errorf("событие %d не является DTMF", data[0])
	}
	return Payload{
		Event:    Digit(data[0]),
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// Generator формирует RTP пакеты событий
type Generator struct {
	PayloadType uint8
	SSRC        uint32

	seq uint16
}

// NewGenerator создает генератор
func NewGenerator(payloadType uint8, ssrc uint32) *Generator {
	return &Generator{PayloadType: payloadType, SSRC: ssrc}
}

// Generate возвращает пакеты одного нажатия: три начальных и три
// конечных с флагом End. Marker стоит только у первого пакета.
func (g *Generator) Generate(d Digit, duration time.Duration, timestamp uint32) ([]*rtp.Packet, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}
	if d > 15 {
		return nil, fmt.Errorf("недопустимая DTMF цифра: %d", d)
	}
	samples := duration.Seconds() * ClockRate
	if samples > MaxDuration {
		return nil, fmt.Errorf("длительность DTMF %s больше %d единиц timestamp", duration, MaxDuration)
	}

	payload := Payload{
		Event:    d,
		Volume:   10,
		Duration: uint16(samples),
	}

	packets := make([]*rtp.Packet, 0, 6)
	for i := 0; i < 6; i++ {
		payload.End = i >= 3
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    g.PayloadType,
				SequenceNumber: g.seq,
				Timestamp:      timestamp,
				SSRC:           g.SSRC,
			},
			Payload: payload.Marshal(),
		})
		g.seq++
	}
	return packets, nil
}

// Detector распознает нажатия в RTP потоке. Повторные пакеты одного
// события (тот же timestamp) не дают новых цифр. Не потокобезопасен.
type Detector struct {
	payloadType uint8

	active    bool
	timestamp uint32
	lastEnded bool
	endedTS   uint32
}

// NewDetector создает детектор для payload type telephone-event
func NewDetector(payloadType uint8) *Detector {
	return &Detector{payloadType: payloadType}
}

// Process обрабатывает пакет. detected=true только на первом пакете
// нового события. Пакеты с другим payload type игнорируются.
func (d *Detector) Process(packet *rtp.Packet) (digit Digit, detected bool, err error) {
	if packet.PayloadType != d.payloadType {
		return 0, false, nil
	}
	payload, err := UnmarshalPayload(packet.Payload)
	if err != nil {
		return 0, false, err
	}

	ts := packet.Timestamp
	if d.active && ts == d.timestamp {
		if payload.End {
			d.active = false
			d.lastEnded = true
			d.endedTS = ts
		}
		return payload.Event, false, nil
	}
	if d.lastEnded && ts == d.endedTS {
		// повтор конечного пакета
		return payload.Event, false, nil
	}

	d.active = !payload.End
	d.timestamp = ts
	d.lastEnded = payload.End
	d.endedTS = ts
	return payload.Event, true, nil
}
