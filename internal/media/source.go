// Package media provides headless capture and rendering for devices without
// a camera or screen: a source that emits Opus silence and a sink that
// consumes whatever RTP arrives.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Beam/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	frameDuration = 20 * time.Millisecond
	// 48 kHz clock, 20 ms per frame.
	samplesPerFrame = 960
)

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// SilenceSource produces a live Opus audio track of silence.
type SilenceSource struct{}

func (SilenceSource) Acquire(ctx context.Context) (core.MediaCapture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "beam-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	c := &Capture{track: track, done: make(chan struct{})}
	go c.loop()
	log.Info().Str("module", "media").Str("stream_id", streamID).Msg("capture started")
	return c, nil
}

// Capture is one running silence track.
type Capture struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32

	done     chan struct{}
	stopOnce sync.Once
}

func (c *Capture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{c.track}
}

// StreamID names the stream the capture's tracks belong to.
func (c *Capture) StreamID() string {
	return c.track.StreamID()
}

func (c *Capture) State() TrackState { return TrackState(c.state.Load()) }

func (c *Capture) Mute()   { c.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateMuted)) }
func (c *Capture) Unmute() { c.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateLive)) }

func (c *Capture) Release() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(TrackStateStopped))
		close(c.done)
		log.Info().Str("module", "media").Str("stream_id", c.track.StreamID()).Msg("capture released")
	})
}

func (c *Capture) loop() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version: 2,
			Marker:  true,
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		pkt.SequenceNumber++
		pkt.Timestamp += samplesPerFrame
		if c.State() != TrackStateLive {
			continue
		}
		// Unbound tracks swallow writes, so nothing is lost before negotiation.
		if err := c.track.WriteRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("write RTP")
		}
	}
}
