package pionrtc

import (
	"sort"
	"time"

	"github.com/pion/webrtc/v4"

	"callagent/internal/call"
)

const unknownParticipant = "unknown"

// parseStats folds a pion stats report into per-participant totals. Inbound
// streams are attributed through owners, which maps SSRCs to the identity
// that published them.
func parseStats(report webrtc.StatsReport, owners map[webrtc.SSRC]string, localID string) call.StatsReport {
	out := call.StatsReport{Local: call.ParticipantStats{Identity: localID}}
	remotes := make(map[string]*call.ParticipantStats)

	var rttSum float64
	var rttCount int
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.OutboundRTPStreamStats:
			out.Local.PacketsSent += uint64(v.PacketsSent)
			out.Local.BytesSent += v.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			out.Local.PacketsLost += int64(v.PacketsLost)
			if v.RoundTripTime > 0 {
				rttSum += v.RoundTripTime
				rttCount++
			}
		case webrtc.InboundRTPStreamStats:
			id, ok := owners[v.SSRC]
			if !ok {
				id = unknownParticipant
			}
			p, ok := remotes[id]
			if !ok {
				p = &call.ParticipantStats{Identity: id}
				remotes[id] = p
			}
			p.PacketsReceived += uint64(v.PacketsReceived)
			p.BytesReceived += v.BytesReceived
			p.PacketsLost += int64(v.PacketsLost)
			if v.Jitter > p.Jitter {
				p.Jitter = v.Jitter
			}
		}
	}
	if rttCount > 0 {
		out.Local.RoundTripTime = time.Duration(rttSum / float64(rttCount) * float64(time.Second))
	}

	for _, p := range remotes {
		out.Remote = append(out.Remote, *p)
	}
	sort.Slice(out.Remote, func(i, j int) bool { return out.Remote[i].Identity < out.Remote[j].Identity })
	return out
}
