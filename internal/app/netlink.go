package app

import (
	"context"
	"net"

	"ripple/internal/ripple"
)

// interfaceSource reads link status from the host's network interfaces.
// It reports Connected when any non-loopback interface is up, and never
// claims to know internet reachability, leaving verification to the
// monitor's probe. There is no portable change feed, so Changes returns
// nil and the monitor falls back to its periodic recheck.
type interfaceSource struct{}

var _ ripple.LinkStatusSource = interfaceSource{}

func (interfaceSource) Fetch(context.Context) (ripple.ConnectivityState, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ripple.ConnectivityState{}, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			return ripple.ConnectivityState{Connected: true}, nil
		}
	}
	return ripple.ConnectivityState{Connected: false}, nil
}

func (interfaceSource) Changes() <-chan ripple.ConnectivityState { return nil }
