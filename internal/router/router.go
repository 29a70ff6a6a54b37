// Package router implements static IPv4 longest-prefix-match forwarding
// across a set of internal/linklayer network interfaces: TTL decrement,
// checksum recomputation, and route selection among statically
// configured prefixes.
package router

import (
	"log/slog"

	"github.com/minnow-net/minnow/internal/linklayer"
)

// Route is one entry in the static routing table. NextHop is nil for a
// directly attached network: the datagram's own destination address is
// used as the next hop in that case.
type Route struct {
	Prefix       uint32
	PrefixLen    uint8
	NextHop      *uint32
	InterfaceIdx int
}

// Router forwards IPv4 datagrams between a fixed set of network
// interfaces using longest-prefix-match route selection. It holds no
// clock of its own; Route drains whatever each interface has already
// accepted off the wire.
type Router struct {
	logger     *slog.Logger
	interfaces []*linklayer.NetworkInterface
	routes     []Route
}

// New returns a Router with no interfaces or routes attached.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// AddInterface attaches a network interface, returning its index for use
// in AddRoute.
func (r *Router) AddInterface(iface *linklayer.NetworkInterface) int {
	r.interfaces = append(r.interfaces, iface)
	return len(r.interfaces) - 1
}

// AddRoute appends a route to the table. Among routes matching a given
// destination, the one with the longest prefix wins; ties are broken in
// favor of the most recently added route.
func (r *Router) AddRoute(prefix uint32, prefixLen uint8, nextHop *uint32, interfaceIdx int) {
	r.logger.Debug("router: adding route",
		"prefix", prefix, "prefix_len", prefixLen, "next_hop", nextHop, "interface", interfaceIdx)
	r.routes = append(r.routes, Route{
		Prefix:       prefix,
		PrefixLen:    prefixLen,
		NextHop:      nextHop,
		InterfaceIdx: interfaceIdx,
	})
}

// Route drains every interface's received-datagram queue, forwarding
// each datagram out the interface selected by longest-prefix-match after
// decrementing TTL and recomputing the header checksum. Datagrams whose
// TTL would reach zero, or for which no route matches, are dropped.
func (r *Router) Route() {
	for _, iface := range r.interfaces {
		for {
			dgram, ok := iface.PopReceivedDatagram()
			if !ok {
				break
			}
			r.routeOne(dgram)
		}
	}
}

func (r *Router) routeOne(dgram linklayer.IPv4Datagram) {
	if dgram.Header.TTL <= 1 {
		r.logger.Debug("router: dropping expired datagram", "dst", dgram.Header.Dst)
		return
	}
	dgram.Header.TTL--

	route, ok := r.bestRoute(dgram.Header.Dst)
	if !ok {
		r.logger.Debug("router: no matching route", "dst", dgram.Header.Dst)
		return
	}

	nextHop := dgram.Header.Dst
	if route.NextHop != nil {
		nextHop = *route.NextHop
	}

	// BuildIPv4Datagram recomputes the checksum over the decremented
	// header; parsing the result back yields a datagram whose Checksum
	// field holds that recomputed value.
	raw := linklayer.BuildIPv4Datagram(dgram)
	rebuilt, err := linklayer.ParseIPv4Datagram(raw)
	if err != nil {
		r.logger.Debug("router: failed to rebuild datagram", "error", err)
		return
	}

	r.interfaces[route.InterfaceIdx].SendDatagram(rebuilt, nextHop)
}

// bestRoute finds the matching route with the longest prefix, breaking
// ties toward the most recently inserted match (mirrors a >= comparison
// while scanning in insertion order).
func (r *Router) bestRoute(dst uint32) (Route, bool) {
	var best Route
	var longest uint8
	found := false

	for _, route := range r.routes {
		if !prefixMatches(dst, route.Prefix, route.PrefixLen) {
			continue
		}
		if !found || route.PrefixLen >= longest {
			best = route
			longest = route.PrefixLen
			found = true
		}
	}
	return best, found
}

func prefixMatches(addr, prefix uint32, prefixLen uint8) bool {
	if prefixLen == 0 {
		return true
	}
	if prefixLen > 32 {
		return false
	}
	shift := 32 - prefixLen
	return (addr^prefix)>>shift == 0
}
