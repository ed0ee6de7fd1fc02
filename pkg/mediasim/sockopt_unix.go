//go:build linux || darwin || freebsd

package mediasim

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP маркирует исходящий голосовой трафик (DSCP в старших 6 битах TOS)
func setDSCP(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
	})
	if err != nil {
		return err
	}
	return sockErr
}
