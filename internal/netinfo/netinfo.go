// Package netinfo resolves the local address peers on the LAN can reach.
package netinfo

import (
	"fmt"
	"net"

	"github.com/jackpal/gateway"
)

// LocalIP returns the IPv4 address of the interface that routes to the
// default gateway. When gateway discovery fails (no default route, odd
// container networking) it falls back to the first global-unicast IPv4 on
// any up interface.
func LocalIP() (string, error) {
	if gwIP, err := gateway.DiscoverGateway(); err == nil {
		if ip, err := localIPForGateway(gwIP); err == nil {
			return ip.String(), nil
		}
	}
	ip, err := firstUnicastIPv4()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

func localIPForGateway(gwIP net.IP) (net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ipv4 := ipnet.IP.To4()
			if ipv4 == nil || !ipv4.IsGlobalUnicast() {
				continue
			}
			if ipnet.Contains(gwIP) {
				return ipv4, nil
			}
		}
	}
	return nil, fmt.Errorf("no local IPv4 in the gateway subnet %s", gwIP)
}

func firstUnicastIPv4() (net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipv4 := ipnet.IP.To4(); ipv4 != nil && ipv4.IsGlobalUnicast() {
				return ipv4, nil
			}
		}
	}
	return nil, fmt.Errorf("no usable IPv4 interface found")
}
