// Package media owns the long-lived local capture tracks. Capture
// initializes exactly once per process and the tracks are reused by
// every peer session; closing a session never releases them.
package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Tracks holds the local audio and video tracks. Zero value is not
// usable; call NewTracks.
type Tracks struct {
	once  sync.Once
	ready chan struct{}
	ok    bool

	audio *pion.TrackLocalStaticSample
	video *pion.TrackLocalStaticSample
}

func NewTracks() *Tracks {
	return &Tracks{ready: make(chan struct{})}
}

// Init creates the local tracks. Safe to call from multiple
// goroutines; only the first call does work.
func (t *Tracks) Init() {
	t.once.Do(func() {
		defer close(t.ready)

		audio, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus},
			"audio", "pairvid",
		)
		if err != nil {
			log.Printf("[media] create audio track: %v", err)
			return
		}
		video, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeH264},
			"video", "pairvid",
		)
		if err != nil {
			log.Printf("[media] create video track: %v", err)
			return
		}

		t.audio = audio
		t.video = video
		t.ok = true
		log.Printf("[media] local tracks ready")
	})
}

// AwaitReady suspends until capture initialization finishes (kicking
// it off if needed) and reports whether the tracks are usable. Tracks
// must be ready before they are added to a connection: attaching
// missing tracks silently produces a one-way-blind call.
func (t *Tracks) AwaitReady(ctx context.Context) bool {
	go t.Init()
	select {
	case <-t.ready:
		return t.ok
	case <-ctx.Done():
		return false
	}
}

// Audio returns the local audio track, or an error before readiness.
func (t *Tracks) Audio() (*pion.TrackLocalStaticSample, error) {
	select {
	case <-t.ready:
	default:
		return nil, fmt.Errorf("tracks not initialized")
	}
	if !t.ok {
		return nil, fmt.Errorf("capture failed")
	}
	return t.audio, nil
}

// Video returns the local video track, or an error before readiness.
func (t *Tracks) Video() (*pion.TrackLocalStaticSample, error) {
	select {
	case <-t.ready:
	default:
		return nil, fmt.Errorf("tracks not initialized")
	}
	if !t.ok {
		return nil, fmt.Errorf("capture failed")
	}
	return t.video, nil
}

// WriteVideo feeds one encoded video sample from the capture pipeline.
func (t *Tracks) WriteVideo(sample pionmedia.Sample) error {
	video, err := t.Video()
	if err != nil {
		return err
	}
	return video.WriteSample(sample)
}

// WriteAudio feeds one encoded audio sample from the capture pipeline.
func (t *Tracks) WriteAudio(sample pionmedia.Sample) error {
	audio, err := t.Audio()
	if err != nil {
		return err
	}
	return audio.WriteSample(sample)
}
