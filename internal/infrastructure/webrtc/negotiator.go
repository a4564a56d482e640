package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
)

// Config holds the WebRTC transport settings shared by every negotiator.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}

	// QualityInterval paces quality samples delivered through OnQuality.
	QualityInterval time.Duration
}

// remoteStream satisfies ports.RemoteStream with the remote track's stream id.
type remoteStream struct {
	id string
}

func (r remoteStream) ID() string { return r.id }

// Negotiator drives one peer connection through offer/answer and trickle ICE
// and reports connectivity and quality back to the call session. It is
// single-use, like the session that owns it.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  *webrtc.TrackLocalStaticRTP
	videoTrack  *webrtc.TrackLocalStaticRTP

	qualityInterval time.Duration

	mu            sync.Mutex
	onCandidate   func(domain.ICECandidate)
	onStream      func(ports.RemoteStream)
	onConnected   func()
	onFailed      func(error)
	onQuality     func(domain.CallQualityStats)
	seenStreams   map[string]bool
	connectedOnce bool
	failedOnce    bool
	closed        bool
}

// NewFactory returns the negotiator factory used by the call manager. Each
// invocation builds a fresh peer connection with local tracks matching the
// requested capability flags.
func NewFactory(cfg Config, logger *zap.SugaredLogger) ports.NegotiatorFactory {
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = 5 * time.Second
	}
	return func(ctx context.Context, flags domain.MediaFlags) (ports.Negotiator, error) {
		return newNegotiator(ctx, cfg, flags, logger)
	}
}

func newNegotiator(ctx context.Context, cfg Config, flags domain.MediaFlags, logger *zap.SugaredLogger) (*Negotiator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	n := &Negotiator{
		pc:              pc,
		logger:          logger,
		qualityInterval: cfg.QualityInterval,
		seenStreams:     make(map[string]bool),
	}

	if flags.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "popya-audio",
		)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio track: %w", err)
		}
		n.audioTrack = track
		n.audioSender = sender
	}

	if flags.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "popya-video",
		)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add video track: %w", err)
		}
		n.videoTrack = track
		n.videoSender = sender
	}

	pc.OnICECandidate(n.handleLocalCandidate)
	pc.OnTrack(n.handleRemoteTrack)
	pc.OnConnectionStateChange(n.handleConnectionState)

	return n, nil
}

// AudioTrack exposes the local audio track for the capture pipeline to feed.
func (n *Negotiator) AudioTrack() *webrtc.TrackLocalStaticRTP { return n.audioTrack }

// VideoTrack exposes the local video track for the capture pipeline to feed.
func (n *Negotiator) VideoTrack() *webrtc.TrackLocalStaticRTP { return n.videoTrack }

func (n *Negotiator) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (n *Negotiator) HandleOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(offer.Type),
		SDP:  offer.SDP,
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (n *Negotiator) HandleAnswer(ctx context.Context, answer domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (n *Negotiator) AddICECandidate(candidate domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) OnICECandidate(handler func(domain.ICECandidate)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onCandidate = handler
}

func (n *Negotiator) OnRemoteStream(handler func(ports.RemoteStream)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStream = handler
}

func (n *Negotiator) OnConnected(handler func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnected = handler
}

func (n *Negotiator) OnFailed(handler func(err error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onFailed = handler
}

func (n *Negotiator) OnQuality(handler func(domain.CallQualityStats)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onQuality = handler
}

// SetAudioEnabled mutes or unmutes outgoing audio by detaching the track from
// its sender. The m-line stays in place, so no renegotiation happens.
func (n *Negotiator) SetAudioEnabled(enabled bool) {
	n.replaceTrack(n.audioSender, n.audioTrack, enabled)
}

// SetVideoEnabled mutes or unmutes outgoing video, same mechanism as audio.
func (n *Negotiator) SetVideoEnabled(enabled bool) {
	n.replaceTrack(n.videoSender, n.videoTrack, enabled)
}

func (n *Negotiator) replaceTrack(sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticRTP, enabled bool) {
	if sender == nil {
		return
	}
	var next webrtc.TrackLocal
	if enabled {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		n.logger.Warnw("failed to toggle track", "enabled", enabled, "error", err)
	}
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	return n.pc.Close()
}

func (n *Negotiator) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		// End of candidates; trickle signaling has nothing to send for it.
		return
	}

	n.mu.Lock()
	handler := n.onCandidate
	n.mu.Unlock()
	if handler == nil {
		return
	}

	init := candidate.ToJSON()
	handler(domain.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

// handleRemoteTrack surfaces the remote stream once per stream id and keeps
// the track's RTP and RTCP readers drained so pion's interceptors keep
// feeding statistics.
func (n *Negotiator) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	n.logger.Infow("remote track arrived",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	n.mu.Lock()
	first := !n.seenStreams[track.StreamID()]
	n.seenStreams[track.StreamID()] = true
	handler := n.onStream
	n.mu.Unlock()

	if first && handler != nil {
		handler(remoteStream{id: track.StreamID()})
	}

	go n.drainTrack(track)
	go n.watchReceiverRTCP(receiver)
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	n.logger.Infow("peer connection state changed", "state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		fire := !n.connectedOnce
		n.connectedOnce = true
		handler := n.onConnected
		n.mu.Unlock()
		if fire && handler != nil {
			handler()
		}
		go n.watchSenderQuality()

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		n.mu.Lock()
		fire := !n.failedOnce && !n.closed
		n.failedOnce = true
		handler := n.onFailed
		n.mu.Unlock()
		if fire && handler != nil {
			handler(fmt.Errorf("peer connection %s", state))
		}
	}
}
