package logging

import (
	"os"

	pionlog "github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initialises the global zerolog logger. Debug mode gets the
// human-friendly console writer, everything else JSON on stderr.
func Setup(mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// PionFactory routes pion's internal logging into zerolog. pion is chatty,
// so its debug and trace output is only kept at trace level.
type PionFactory struct{}

func (PionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	l := log.With().Str("module", "webrtc").Str("scope", scope).Logger()
	return pionLogger{l: l}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p pionLogger) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                          { p.l.Trace().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                           { p.l.Debug().Msg(msg) }
func (p pionLogger) Infof(format string, args ...interface{})  { p.l.Debug().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
