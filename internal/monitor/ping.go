package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bilal/fleet-tracker/internal/metrics"
	"github.com/go-ping/ping"
)

// PingProbe checks reachability with ICMP echo. It needs CAP_NET_RAW unless
// privileged is false and the kernel allows unprivileged ICMP sockets.
type PingProbe struct {
	host       string
	count      int
	timeout    time.Duration
	privileged bool
}

func NewPingProbe(host string, timeout time.Duration, privileged bool) *PingProbe {
	return &PingProbe{
		host:       host,
		count:      3,
		timeout:    timeout,
		privileged: privileged,
	}
}

// Probe pings the host and publishes latency, loss and jitter gauges.
func (pp *PingProbe) Probe(ctx context.Context) error {
	pinger, err := ping.NewPinger(pp.host)
	if err != nil {
		return fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = pp.count
	pinger.Timeout = pp.timeout
	pinger.SetPrivileged(pp.privileged)

	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()

	if err := pinger.Run(); err != nil {
		return fmt.Errorf("ping %s: %w", pp.host, err)
	}

	stats := pinger.Statistics()
	metrics.ObservePing(float64(stats.AvgRtt.Milliseconds()), stats.PacketLoss, jitterMs(stats.Rtts))

	if stats.PacketsRecv == 0 {
		return fmt.Errorf("ping %s: no replies", pp.host)
	}
	return nil
}

// jitterMs is the mean absolute difference between consecutive round trips.
func jitterMs(rtts []time.Duration) float64 {
	if len(rtts) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(rtts); i++ {
		diff := rtts[i] - rtts[i-1]
		if diff < 0 {
			diff = -diff
		}
		total += float64(diff.Milliseconds())
	}
	return total / float64(len(rtts)-1)
}
