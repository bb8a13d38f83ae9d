package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun"

	"github.com/nearbeam/nearbeam/pkg/ticket"
)

// DefaultSTUNServers are probed for a NAT-mapped endpoint.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

const stunReadTimeout = 500 * time.Millisecond

// LocalEndpoints walks the non-loopback IPv4 interface addresses and pairs
// them with port, falling back to loopback when the host has none.
func LocalEndpoints(port uint16) []ticket.Endpoint {
	var endpoints []ticket.Endpoint
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP == nil || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				endpoints = append(endpoints, ticket.Endpoint{Host: ip4.String(), Port: port})
			}
		}
	}
	if len(endpoints) == 0 {
		endpoints = append(endpoints, ticket.Endpoint{Host: "127.0.0.1", Port: port})
	}
	return endpoints
}

// PublicEndpoint sends a STUN binding request from udpConn and returns the
// mapped address. It must run before the QUIC stack starts reading from the
// socket, since it temporarily owns the read side.
func PublicEndpoint(ctx context.Context, udpConn *net.UDPConn, servers []string, logger *slog.Logger) (ticket.Endpoint, error) {
	buf := make([]byte, 1024)
	for _, server := range servers {
		if ctx.Err() != nil {
			return ticket.Endpoint{}, ctx.Err()
		}

		serverAddr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			logger.Debug("stun server unresolvable", "server", server, "err", err)
			continue
		}

		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		if _, err := udpConn.WriteToUDP(msg.Raw, serverAddr); err != nil {
			logger.Debug("stun write failed", "server", server, "err", err)
			continue
		}

		udpConn.SetReadDeadline(time.Now().Add(stunReadTimeout))
		n, _, err := udpConn.ReadFromUDP(buf)
		udpConn.SetReadDeadline(time.Time{})
		if err != nil {
			logger.Debug("stun read failed", "server", server, "err", err)
			continue
		}

		res := &stun.Message{Raw: buf[:n]}
		if err := res.Decode(); err != nil {
			continue
		}

		var mapped net.UDPAddr
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			mapped = net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
		} else {
			var plain stun.MappedAddress
			if err := plain.GetFrom(res); err != nil {
				continue
			}
			mapped = net.UDPAddr{IP: plain.IP, Port: plain.Port}
		}

		logger.Info("public endpoint resolved", "addr", mapped.String(), "server", server)
		return ticket.Endpoint{Host: mapped.IP.String(), Port: uint16(mapped.Port)}, nil
	}
	return ticket.Endpoint{}, errors.New("all stun servers failed")
}

func appendUniqueEndpoint(endpoints []ticket.Endpoint, ep ticket.Endpoint) []ticket.Endpoint {
	for _, e := range endpoints {
		if e == ep {
			return endpoints
		}
	}
	return append(endpoints, ep)
}
