package server

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// GetHostPortFromAddr extracts the host and port from a net.Addr.
// If parsing fails, it returns empty values or best-effort values.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		// This can happen for addresses without a port.
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// SockaddrIP renders the IP of a socket address as text. IPv4-mapped IPv6
// addresses are reported in dotted form so hashing and header injection
// see the same value for a client regardless of listener family.
func SockaddrIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	case *unix.SockaddrUnix:
		return a.Name
	}
	return ""
}

// ParseTrustedNetworks parses a slice of CIDR strings into a slice of *net.IPNet
// Automatically adds /32 for IPv4 and /128 for IPv6 addresses without subnet notation
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, cidr := range cidrs {
		// Try parsing as CIDR first
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			// If CIDR parsing fails, try parsing as plain IP and add appropriate subnet
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", cidr)
			}

			// Determine if IPv4 or IPv6 and add appropriate subnet
			var cidrWithSubnet string
			if ip.To4() != nil {
				// IPv4 address
				cidrWithSubnet = cidr + "/32"
			} else {
				// IPv6 address
				cidrWithSubnet = cidr + "/128"
			}

			// Parse the corrected CIDR
			_, network, err = net.ParseCIDR(cidrWithSubnet)
			if err != nil {
				return nil, fmt.Errorf("failed to parse corrected CIDR '%s': %w", cidrWithSubnet, err)
			}
		}
		networks = append(networks, network)
	}
	return networks, nil
}
