//go:build !(linux || darwin || freebsd)

package mediasim

import "net"

func setDSCP(*net.UDPConn, int) error {
	return nil
}
