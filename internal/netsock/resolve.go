package netsock

import (
	"fmt"
	"net"
)

// ResolveOne resolves a "host:port" string to exactly one TCP address. A
// name that resolves to more than one address is an error: multi-result
// DNS is treated as ambiguous rather than picked from arbitrarily.
func ResolveOne(hostport string) (*net.TCPAddr, error) {
	ips, port, err := splitResolve(hostport)
	if err != nil {
		return nil, err
	}
	if len(ips) != 1 {
		return nil, fmt.Errorf("netsock: %q resolved to %d addresses, want exactly 1", hostport, len(ips))
	}
	return &net.TCPAddr{IP: ips[0], Port: port}, nil
}

func splitResolve(hostport string) ([]net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, 0, fmt.Errorf("netsock: %q: %w", hostport, err)
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, portStr))
	if err != nil {
		return nil, 0, fmt.Errorf("netsock: resolve %q: %w", hostport, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// A literal IP address (the common case for load balancer configs)
		// has nothing to look up; fall back to the address ResolveTCPAddr
		// already produced.
		return []net.IP{addr.IP}, addr.Port, nil
	}
	return ips, addr.Port, nil
}
