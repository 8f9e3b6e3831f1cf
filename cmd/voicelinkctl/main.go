// Command voicelinkctl is a demo CLI that drives a Supervisor against
// the in-memory adapter.Mock, streaming silence frames through the
// Scheduler. It exists to exercise the full join/handshake/reconnect
// state machine without a real Discord connection, built as a single
// cobra command whose flags come from config.BindFlags.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/warmind-io/voicelink"
	"github.com/warmind-io/voicelink/adapter"
	"github.com/warmind-io/voicelink/config"
	"github.com/warmind-io/voicelink/internal/clock"
	"github.com/warmind-io/voicelink/internal/metrics"
	"github.com/warmind-io/voicelink/scheduler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.FromEnvironment()

	cmd := &cobra.Command{
		Use:           "voicelinkctl",
		Short:         "Join a voice channel and stream silence through the scheduler",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(level).
		With().
		Timestamp().
		Logger()

	reg := metrics.NewRegistry(nil)
	clk := clock.Real{}

	mock := adapter.NewMock()

	var channelID *string
	if cfg.ChannelID != "" {
		channelID = &cfg.ChannelID
	}
	coord := voicelink.ChannelCoordinates{
		GuildID:   cfg.GuildID,
		ChannelID: channelID,
		UserID:    cfg.UserID,
	}

	vlCfg := voicelink.DefaultConfig()
	vlCfg.AutoReconnect = cfg.AutoReconnect
	vlCfg.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	vlCfg.PreferredModes = cfg.PreferredModeValues()
	vlCfg.BehaviorOnEmpty = cfg.BehaviorOnEmpty
	vlCfg.MaxMissedFrames = cfg.MaxMissedFrames
	vlCfg.HeartbeatGrace = cfg.HeartbeatGrace

	sup := voicelink.New(coord, mock, vlCfg, clk, log, reg)
	sup.Observe(&logObserver{log: log})

	// A real caller wires mock's Inject* calls to the actual main
	// gateway dispatcher; this demo instead stands up a local
	// loopback voice server so Connect can reach Ready without real
	// Discord credentials.
	local, err := startLocalVoiceServer(log)
	if err != nil {
		return fmt.Errorf("start local voice server: %w", err)
	}
	defer local.Close()

	sup.SetDialer(&websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}})

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	local.InjectInto(connectCtx, mock, cfg.GuildID, cfg.UserID)
	if err := sup.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sup.Destroy()

	sched := scheduler.New(clk, log, reg)
	go sched.Run()
	defer sched.Stop()

	behavior := scheduler.EmptyPause
	switch cfg.BehaviorOnEmpty {
	case "play":
		behavior = scheduler.EmptyPlay
	case "stop":
		behavior = scheduler.EmptyStop
	}

	sub := sched.Subscribe(silenceSource{}, []scheduler.AudioSink{sup}, behavior, int(cfg.MaxMissedFrames))
	sup.OnSpeakingStopped(sub.NotifySpeakingStopped)

	log.Info().Msg("streaming, press ctrl-c to leave")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return nil
}

// silenceSource is a FrameSource that never runs dry, useful for
// exercising the scheduler's pacing without a real Opus encoder.
type silenceSource struct{}

func (silenceSource) NextFrame() ([]byte, bool) {
	return []byte{0xF8, 0xFF, 0xFE}, true
}

// logObserver renders Supervisor lifecycle events to the console.
type logObserver struct {
	voicelink.NopObserver
	log zerolog.Logger
}

func (o *logObserver) StateChange(old, new voicelink.SupervisorState) {
	o.log.Info().Stringer("from", old).Stringer("to", new).Msg("state change")
}

func (o *logObserver) Ready(session voicelink.VoiceSession) {
	o.log.Info().Uint32("ssrc", session.SSRC).Str("mode", session.ChosenMode).Msg("voice ready")
}

func (o *logObserver) Error(err *voicelink.Error) {
	o.log.Error().Err(err).Msg("voice error")
}

func (o *logObserver) Disconnected(reason string) {
	o.log.Warn().Str("reason", reason).Msg("disconnected")
}

func (o *logObserver) Reconnecting(attempt int) {
	o.log.Warn().Int("attempt", attempt).Msg("reconnecting")
}
