package p2p

import (
	"fmt"
	"net"
	"strconv"
)

// LocalIP returns the preferred outbound IP of this machine. Nothing is
// sent; the UDP "dial" only asks the OS which interface it would route through.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// AdvertiseAddr turns a listen address into the host and port other peers
// should dial. An unspecified host (":3601", "0.0.0.0:3601") is replaced by
// the outbound interface address, falling back to loopback when offline.
func AdvertiseAddr(listen string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("listen address %q: bad port", listen)
	}

	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return host, port, nil
	}
	if ip, err := LocalIP(); err == nil {
		return ip, port, nil
	}
	return "127.0.0.1", port, nil
}
