package relay

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// CheckSTUN performs one binding round trip against a STUN endpoint and
// returns the reflexive address it reports. It doubles as a connectivity
// probe: a successful binding means the host can actually reach the outside
// world, which is a stronger signal than interface inspection.
func CheckSTUN(addr string, timeout time.Duration) (net.IP, error) {
	addr = strings.TrimPrefix(addr, "stun:")
	conn, err := net.DialTimeout("udp4", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reach STUN server %s: %w", addr, err)
	}

	client, err := stun.NewClient(conn, stun.WithRTO(timeout))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create STUN client: %w", err)
	}
	defer client.Close()

	var (
		reflexive net.IP
		probeErr  error
	)
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			probeErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			probeErr = fmt.Errorf("failed to parse STUN response: %w", err)
			return
		}
		reflexive = xorAddr.IP
	})
	if err != nil {
		return nil, fmt.Errorf("STUN binding request failed: %w", err)
	}
	if probeErr != nil {
		return nil, probeErr
	}
	return reflexive, nil
}

// OnlineCheck adapts CheckSTUN into the connectivity predicate the timeout
// supervisor polls each tick.
func OnlineCheck(addr string, timeout time.Duration) func() bool {
	return func() bool {
		_, err := CheckSTUN(addr, timeout)
		return err == nil
	}
}
