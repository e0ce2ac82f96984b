package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/Beam/internal/adapters/http"
	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/app/orch"
	"github.com/dkeye/Beam/internal/auth"
	"github.com/dkeye/Beam/internal/config"
	"github.com/dkeye/Beam/internal/logging"
	"github.com/dkeye/Beam/internal/metrics"
)

func main() {
	configEnv := pflag.StringP("config-env", "c", "", "config profile, reads config/config.<env>.yaml (overrides CONFIG_ENV)")
	port := pflag.IntP("port", "p", 0, "listen port (overrides config)")
	pflag.Parse()

	if *configEnv != "" {
		_ = os.Setenv("CONFIG_ENV", *configEnv)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize the global logger early so config.Load can use it.
	logging.Setup(os.Getenv("BEAM_MODE"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Mode)
	if *port != 0 {
		cfg.Port = *port
	}

	o := orch.New(app.PolicyByName(cfg.Relay.Backpressure), metrics.NewPrometheusCollector())
	deps := router.Deps{
		Orch: o,
		JWT:  auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
	}
	if cfg.Auth.DevLogin {
		deps.Users = auth.NewDevUsers(0)
	}

	r := router.SetupRouter(ctx, cfg, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("backpressure", cfg.Relay.Backpressure).Msg("Beam signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Hijacked WebSockets are not tracked by Shutdown.
	o.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
