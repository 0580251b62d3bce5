package timeout

import "net"

// DefaultOnlineCheck reports whether the host has any usable non-loopback
// interface address. It is a cheap local approximation of connectivity for
// deployments that do not wire in a better probe (see relay.CheckSTUN).
func DefaultOnlineCheck() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil {
			continue
		}
		if ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		return true
	}
	return false
}
