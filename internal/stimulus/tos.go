package stimulus

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func setTrafficClass(conn *net.UDPConn, class int) error {
	if class <= 0 {
		return nil
	}
	if raddr, ok := conn.RemoteAddr().(*net.UDPAddr); ok && raddr.IP.To4() == nil {
		return ipv6.NewConn(conn).SetTrafficClass(class)
	}
	return ipv4.NewConn(conn).SetTOS(class)
}
