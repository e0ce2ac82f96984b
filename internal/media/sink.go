package media

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stats summarises what a Sink has received on one track.
type Stats struct {
	TrackID  string
	Kind     string
	Packets  uint64
	Bytes    uint64
	Lost     uint64
	Finished bool
}

// Sink renders remote tracks by reading and counting their RTP packets.
type Sink struct {
	mu     sync.RWMutex
	tracks map[string]*Stats
}

func NewSink() *Sink {
	return &Sink{tracks: make(map[string]*Stats)}
}

// Consume reads track until it ends or ctx is cancelled. It blocks.
func (s *Sink) Consume(ctx context.Context, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "media").
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	st := &Stats{TrackID: track.ID(), Kind: track.Kind().String()}
	s.mu.Lock()
	s.tracks[track.ID()] = st
	s.mu.Unlock()

	logger.Info().Msg("sink attached")
	s.loop(ctx, track, st, &logger)
}

func (s *Sink) loop(ctx context.Context, track *webrtc.TrackRemote, st *Stats, logger *zerolog.Logger) {
	var last uint16
	first := true
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sink ctx done")
			s.finish(st)
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("sink read ended")
			s.finish(st)
			return
		}
		s.record(st, pkt, &last, &first)
	}
}

func (s *Sink) record(st *Stats, pkt *rtp.Packet, last *uint16, first *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !*first {
		if gap := pkt.SequenceNumber - *last; gap > 1 && gap < 1<<15 {
			st.Lost += uint64(gap - 1)
		}
	}
	*first = false
	*last = pkt.SequenceNumber
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
}

func (s *Sink) finish(st *Stats) {
	s.mu.Lock()
	st.Finished = true
	s.mu.Unlock()
}

// Snapshot returns a copy of the per-track stats.
func (s *Sink) Snapshot() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.tracks))
	for _, st := range s.tracks {
		out = append(out, *st)
	}
	return out
}
