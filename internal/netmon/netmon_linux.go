//go:build linux

package netmon

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"
)

// NetworkManager NMState values.
const (
	nmStateUnknown        uint32 = 0
	nmStateConnectedLocal uint32 = 50
)

// nmOnline maps an NMState to reachability. Unknown counts as online so
// a NetworkManager that cannot tell never blocks reconnection.
func nmOnline(state uint32) bool {
	return state == nmStateUnknown || state >= nmStateConnectedLocal
}

type nmSource struct{}

func platformSource() source { return nmSource{} }

func (nmSource) watch(ctx context.Context, emit func(bool)) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return fmt.Errorf("subscribe to NetworkManager: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	v, err := conn.Object(nmService, nmPath).GetProperty(nmInterface + ".State")
	if err != nil {
		return fmt.Errorf("read NetworkManager state: %w", err)
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return fmt.Errorf("unexpected NetworkManager state %v", v)
	}
	emit(nmOnline(state))

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus closed")
			}
			if sig.Name != nmInterface+".StateChanged" || len(sig.Body) == 0 {
				continue
			}
			if state, ok := sig.Body[0].(uint32); ok {
				emit(nmOnline(state))
			}
		}
	}
}
