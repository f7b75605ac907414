package discovery

import (
	"fmt"
	"net"
)

// NetworkInterface describes the interface the daemon most likely reaches
// peers through.
type NetworkInterface struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// LocalInterface returns the first up, non-loopback interface with an IPv4
// address. Connected is false when no such interface exists.
func LocalInterface() (NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return NetworkInterface{}, fmt.Errorf("list network interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
				continue
			}
			return NetworkInterface{
				Name:      iface.Name,
				Address:   ipNet.IP.String(),
				Connected: true,
			}, nil
		}
	}
	return NetworkInterface{}, nil
}
