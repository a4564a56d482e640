package webrtc

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

// rtpClockRate is the RTP timestamp clock used to convert jitter values to
// milliseconds. Video runs at 90 kHz; audio jitter on a voice call is small
// enough that the same divisor keeps samples comparable.
const rtpClockRate = 90000

// drainTrack keeps reading RTP from a remote track. Rendering happens in the
// UI layer off the remote stream handle; here the read loop only has to keep
// the track alive and the packets parseable.
func (n *Negotiator) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		count, _, err := track.Read(buf)
		if err != nil {
			n.logger.Debugw("remote track closed", "track_id", track.ID(), "error", err)
			return
		}
		if err := pkt.Unmarshal(buf[:count]); err != nil {
			n.logger.Debugw("discarding malformed RTP packet", "track_id", track.ID(), "error", err)
		}
	}
}

// watchReceiverRTCP drains RTCP from a receiver so the interceptor chain can
// produce NACKs and keyframe requests. Quality samples come from the sender
// side, where the remote's receiver reports describe what actually arrived.
func (n *Negotiator) watchReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// watchSenderQuality turns the remote peer's receiver reports into quality
// samples, paced to at most one per qualityInterval. Runs once the connection
// is up and exits when the senders close.
func (n *Negotiator) watchSenderQuality() {
	senders := make([]*webrtc.RTPSender, 0, 2)
	if n.audioSender != nil {
		senders = append(senders, n.audioSender)
	}
	if n.videoSender != nil {
		senders = append(senders, n.videoSender)
	}

	for _, sender := range senders {
		go n.readSenderReports(sender)
	}
}

func (n *Negotiator) readSenderReports(sender *webrtc.RTPSender) {
	var lastSample time.Time

	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		stats, ok := extractQuality(packets)
		if !ok {
			continue
		}

		if time.Since(lastSample) < n.qualityInterval {
			continue
		}
		lastSample = time.Now()

		n.mu.Lock()
		handler := n.onQuality
		n.mu.Unlock()
		if handler != nil {
			handler(stats)
		}
	}
}

// extractQuality folds the receiver reports in one RTCP batch into a single
// sample. Returns false when the batch carried no reception reports.
func extractQuality(packets []rtcp.Packet) (domain.CallQualityStats, bool) {
	var (
		packetsLost  int64
		fractionLost float64
		jitter       float64
		rtt          time.Duration
		reports      int
	)

	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			packetsLost += int64(report.TotalLost)
			fractionLost += float64(report.FractionLost) / 255.0
			jitter += float64(report.Jitter) / rtpClockRate * 1000.0
			if report.LastSenderReport != 0 && report.Delay != 0 {
				rtt += time.Duration(report.Delay) * time.Second / 65536
			}
			reports++
		}
	}

	if reports == 0 {
		return domain.CallQualityStats{}, false
	}

	return domain.CallQualityStats{
		Timestamp:    time.Now(),
		PacketsLost:  packetsLost,
		FractionLost: fractionLost / float64(reports),
		JitterMs:     jitter / float64(reports),
		RTT:          rtt / time.Duration(reports),
	}, true
}
