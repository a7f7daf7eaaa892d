package lockstep

import (
	"fmt"
	"strings"
)

// Mode is the synchronization topology of a session.
type Mode uint8

const (
	// ModeCentral relays every packet through the host, which packs.
	ModeCentral Mode = iota
	// ModeDecentral broadcasts every packet to every peer; everyone packs.
	ModeDecentral
	// ModeAsync is ModeCentral with a grace period after which the host
	// packs without slow clients.
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeCentral:
		return "central"
	case ModeDecentral:
		return "decentral"
	case ModeAsync:
		return "async"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts the lower-case names produced by String.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "central", "":
		return ModeCentral, nil
	case "decentral":
		return ModeDecentral, nil
	case "async":
		return ModeAsync, nil
	default:
		return ModeCentral, fmt.Errorf("unknown mode %q", value)
	}
}

// route is where an outbound message goes.
type route uint8

const (
	routeNone route = iota
	routeHost
	routeBroadcast
	// routePeer targets a single client; request replies use it.
	routePeer
)

// modePolicy captures every decision that differs between modes so the
// engine never branches on the mode itself.
type modePolicy struct {
	// hostPacks restricts packing to the host.
	hostPacks bool
	// broadcastMerged sends every packed tick to all peers.
	broadcastMerged bool
	// broadcastInput sends local control to all peers instead of the host.
	broadcastInput bool
	// requestRoute is where recovery requests go.
	requestRoute route
	// asyncGrace lets the host pack a partial tick once the grace expired.
	asyncGrace bool
	// meshSendTime estimates send time from all peer pings instead of the
	// host ping alone.
	meshSendTime bool
	// hostOnlyStats makes per-client queries meaningless on non-hosts.
	hostOnlyStats bool
	// rebroadcastOwned re-sends own packets when switching into the mode;
	// rebroadcastMerged re-sends merged packets when a host switches in.
	rebroadcastOwned  bool
	rebroadcastMerged bool
}

var modePolicies = map[Mode]modePolicy{
	ModeCentral: {
		hostPacks:         true,
		broadcastMerged:   true,
		requestRoute:      routeHost,
		hostOnlyStats:     true,
		rebroadcastMerged: true,
	},
	ModeDecentral: {
		broadcastInput:   true,
		requestRoute:     routeBroadcast,
		meshSendTime:     true,
		rebroadcastOwned: true,
	},
	ModeAsync: {
		hostPacks:       true,
		broadcastMerged: true,
		requestRoute:    routeBroadcast,
		asyncGrace:      true,
	},
}

func policyFor(mode Mode) modePolicy {
	if policy, ok := modePolicies[mode]; ok {
		return policy
	}
	return modePolicies[ModeCentral]
}

// packs reports whether a node may pack ticks.
func (p modePolicy) packs(host bool) bool {
	return host || !p.hostPacks
}

// inputRoute is where locally produced control goes.
func (p modePolicy) inputRoute(host bool) route {
	switch {
	case p.broadcastInput:
		return routeBroadcast
	case host:
		return routeNone
	default:
		return routeHost
	}
}

// requestRouteFor is where recovery requests go. A host cannot ask itself,
// so a host-routed request reaches every client instead.
func (p modePolicy) requestRouteFor(host bool) route {
	if host && p.requestRoute == routeHost {
		return routeBroadcast
	}
	return p.requestRoute
}
