package rtc

import (
	"fmt"
	"log"
	"strings"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"

	"github.com/pairvid/pairvid/internal/media"
	"github.com/pairvid/pairvid/internal/models"
)

// Bitrate bounds applied to outgoing descriptions: the floor keeps
// low-end networks usable, the ceiling avoids saturating constrained
// links.
const (
	minVideoKbps = 250
	maxVideoKbps = 1200
)

// PionNegotiator implements Negotiator on a Pion PeerConnection.
type PionNegotiator struct {
	pc *pion.PeerConnection
}

// NewPionNegotiator builds a PeerConnection with the default codec set
// and interceptors, attaches the shared local tracks, and wires the
// candidate/state callbacks.
func NewPionNegotiator(
	iceServers []string,
	tracks *media.Tracks,
	onCandidate func(models.ICECandidatePayload),
	onState func(state string),
) (*PionNegotiator, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
	)

	var servers []pion.ICEServer
	for _, url := range iceServers {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if audio, err := tracks.Audio(); err == nil {
		if _, err := pc.AddTrack(audio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
	}
	if video, err := tracks.Video(); err == nil {
		if _, err := pc.AddTrack(video); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Printf("[rtc] ICE gathering complete")
			return
		}
		j := c.ToJSON()
		if isLoopback(j.Candidate) {
			return
		}
		cand := models.ICECandidatePayload{Candidate: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		onCandidate(cand)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Printf("[rtc] peer connection state: %s", state.String())
		onState(state.String())
	})

	return &PionNegotiator{pc: pc}, nil
}

func (n *PionNegotiator) CreateOffer(iceRestart bool) (string, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return shapeSDP(offer.SDP), nil
}

func (n *PionNegotiator) CreateAnswer() (string, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return shapeSDP(answer.SDP), nil
}

func (n *PionNegotiator) SetRemoteDescription(kind, sdp string) error {
	var t pion.SDPType
	switch kind {
	case "offer":
		t = pion.SDPTypeOffer
	case "answer":
		t = pion.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown description kind %q", kind)
	}
	if err := n.pc.SetRemoteDescription(pion.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (n *PionNegotiator) AddICECandidate(cand models.ICECandidatePayload) error {
	idx := uint16(cand.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &cand.SDPMid,
		SDPMLineIndex: &idx,
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (n *PionNegotiator) Close() error {
	return n.pc.Close()
}

// shapeSDP applies the outgoing quality policy.
func shapeSDP(sdp string) string {
	return ConstrainBitrate(PreferCodec(sdp, "H264"), minVideoKbps, maxVideoKbps)
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
