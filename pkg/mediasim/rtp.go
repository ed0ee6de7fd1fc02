package mediasim

import (
	"net"

	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

const (
	minRTPPacketSize = 12
	maxRTPPacketSize = 1500

	// maxBindAttempts сколько портов пробовать, если соседние заняты
	maxBindAttempts = 16
)

// rtpListener UDP сокет network connection
type rtpListener struct {
	conn *net.UDPConn
	done chan struct{}
}

func (l *rtpListener) close() {
	_ = l.conn.Close()
}

// listenRTPLocked занимает порт из диапазона и запускает прием RTP
func (s *Service) listenRTPLocked(r *resource) error {
	ip := net.ParseIP(s.cfg.RTPBindIP)
	var lastErr error
	for i := 0; i < maxBindAttempts; i++ {
		port := s.allocatePortLocked()
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		if s.cfg.RTPDSCP > 0 {
			if err := setDSCP(conn, s.cfg.RTPDSCP); err != nil {
				s.logger.Debug().Err(err).Int("port", port).Msg("DSCP не установлен")
			}
		}
		r.port = port
		r.rtp = &rtpListener{conn: conn, done: make(chan struct{})}
		go s.receiveRTP(r.handle, r.rtp)
		return nil
	}
	return errors.Wrap(lastErr, "bind rtp port")
}

// receiveRTP читает пакеты до закрытия сокета
func (s *Service) receiveRTP(h mscontrol.Handle, l *rtpListener) {
	defer close(l.done)
	buf := make([]byte, maxRTPPacketSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Str("handle", h.String()).Msg("Ошибка чтения RTP")
			}
			return
		}
		if n < minRTPPacketSize {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if err := s.InjectRTP(h, packet); err != nil {
			if errors.Is(err, ErrUnknownHandle) || errors.Is(err, ErrClosed) {
				return
			}
			s.logger.Debug().Err(err).Str("handle", h.String()).Msg("RTP пакет отброшен")
		}
	}
}
