// Command device is a headless Beam device. As a source it streams an Opus
// silence track when asked; as a viewer it requests the stream and counts
// the RTP it receives.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Beam/internal/adapters/rtc"
	"github.com/dkeye/Beam/internal/client"
	"github.com/dkeye/Beam/internal/control"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/logging"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/negotiation"
)

func main() {
	server := pflag.StringP("server", "s", "http://localhost:8080", "Beam server base URL")
	token := pflag.StringP("token", "t", os.Getenv("BEAM_TOKEN"), "identity token (default $BEAM_TOKEN)")
	username := pflag.StringP("username", "u", "", "dev login user, used when no token is given")
	password := pflag.String("password", "", "dev login password")
	deviceType := pflag.StringP("device", "d", "viewer", "device class for dev login: source|viewer (computer|mobile)")
	iceServers := pflag.StringSlice("ice", nil, "ICE server URLs (default: ask the server)")
	loopback := pflag.Bool("loopback", false, "gather loopback candidates, for peers on the same host")
	autoRequest := pflag.Bool("auto-request", true, "viewer asks for the stream on start and when a source joins")
	statsEvery := pflag.Duration("stats", 5*time.Second, "viewer receive stats interval, 0 to disable")
	mode := pflag.String("mode", "debug", "log mode: debug|release")
	pflag.Parse()

	logging.Setup(*mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := newAPI(*server)
	if *token == "" {
		if *username == "" {
			log.Fatal().Msg("either --token or --username is required")
		}
		lr, err := api.login(ctx, *username, *password, *deviceType)
		if err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
		*token = lr.Token
		log.Info().Str("user_id", lr.UserID).Str("device_type", lr.DeviceType).Msg("logged in")
	}

	ice := *iceServers
	if len(ice) == 0 {
		var err error
		if ice, err = api.iceServers(ctx, *token); err != nil {
			log.Warn().Err(err).Msg("could not fetch ICE servers, using defaults")
			ice = rtc.DefaultWebRTCConfig().ICEServers
		}
	}
	factory, err := rtc.NewFactory(rtc.FactoryConfig{ICEServers: ice, IncludeLoopback: *loopback})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	cl, err := client.Dial(ctx, client.Config{URL: api.signalURL(), Token: *token})
	if err != nil {
		log.Fatal().Err(err).Msg("connect signaling")
	}
	defer cl.Close()
	self := cl.Session()

	var source core.MediaSource
	if self.DeviceClass == domain.DeviceSource {
		source = media.SilenceSource{}
	}
	machine := negotiation.New(ctx, negotiation.Config{
		Transports: factory,
		Media:      source,
		Signal:     cl,
	})

	sink := media.NewSink()
	ctl := control.New(control.Config{
		Self:        self,
		Neg:         machine,
		Signal:      cl,
		AutoRequest: *autoRequest,
		OnState: func(ev negotiation.StateChanged) {
			log.Info().
				Str("module", "device").
				Str("status", string(ev.Status)).
				Str("state", string(ev.State)).
				Str("reason", ev.Reason).
				Msg("session")
		},
		OnMedia: func(m negotiation.RemoteMedia) {
			go sink.Consume(ctx, m.Track)
		},
	})

	if self.DeviceClass == domain.DeviceViewer && *statsEvery > 0 {
		go reportStats(ctx, sink, *statsEvery)
	}

	log.Info().
		Str("module", "device").
		Str("connection_id", string(self.ConnectionID)).
		Str("class", string(self.DeviceClass)).
		Str("ice", strings.Join(ice, ",")).
		Msg("device ready")

	ctl.Run(ctx, cl.Messages())

	cancel()
	<-machine.Done()
	if err := cl.Err(); err != nil {
		log.Error().Err(err).Msg("signaling ended with error")
		os.Exit(1)
	}
}

func reportStats(ctx context.Context, sink *media.Sink, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, st := range sink.Snapshot() {
			log.Info().
				Str("module", "device").
				Str("track_id", st.TrackID).
				Str("kind", st.Kind).
				Uint64("packets", st.Packets).
				Uint64("bytes", st.Bytes).
				Uint64("lost", st.Lost).
				Bool("finished", st.Finished).
				Msg("receive stats")
		}
	}
}
