// Package config binds the tunables a voicelink.Supervisor needs to
// either environment variables or pflag-style command line flags, for
// callers that want a ready-made config layer instead of constructing
// voicelink.Config by hand.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/warmind-io/voicelink/rtp"
)

// Config stores the settings a Supervisor's core recognizes, plus the
// demo-level settings cmd/voicelinkctl needs to actually dial a guild
// voice channel.
type Config struct {
	GuildID   string
	ChannelID string
	UserID    string

	AutoReconnect        bool
	MaxReconnectAttempts uint8
	PreferredModes       []string
	BehaviorOnEmpty      string
	MaxMissedFrames      uint8
	HeartbeatGrace       uint8

	LogLevel    string
	MetricsAddr string
}

// ErrInvalidBehaviorOnEmpty is returned by Validate when BehaviorOnEmpty
// is not one of "pause", "play", or "stop".
var ErrInvalidBehaviorOnEmpty = errors.New("config: behaviorOnEmpty must be pause, play, or stop")

// ErrZeroMaxReconnectAttempts is returned by Validate when
// MaxReconnectAttempts is 0 while AutoReconnect is enabled.
var ErrZeroMaxReconnectAttempts = errors.New("config: maxReconnectAttempts must be > 0 when autoReconnect is enabled")

// ErrMissingGuildID is returned by Validate when GuildID is empty.
var ErrMissingGuildID = errors.New("config: guildID is required")

// ErrMissingUserID is returned by Validate when UserID is empty.
var ErrMissingUserID = errors.New("config: userID is required")

// Default returns the core tunable defaults, with an empty
// demo/identity section the caller must fill in.
func Default() Config {
	modes := make([]string, len(rtp.PreferenceOrder))
	for i, m := range rtp.PreferenceOrder {
		modes[i] = string(m)
	}
	return Config{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		PreferredModes:       modes,
		BehaviorOnEmpty:      "pause",
		MaxMissedFrames:      5,
		HeartbeatGrace:       3,
		LogLevel:             "info",
		MetricsAddr:          ":9091",
	}
}

// FromEnvironment loads a Config starting from Default and overriding
// with VOICELINK_-prefixed environment variables, mirroring the
// getenv-with-fallback style DMRHub's internal/config uses.
func FromEnvironment() Config {
	c := Default()

	if v := os.Getenv("VOICELINK_GUILD_ID"); v != "" {
		c.GuildID = v
	}
	if v := os.Getenv("VOICELINK_CHANNEL_ID"); v != "" {
		c.ChannelID = v
	}
	if v := os.Getenv("VOICELINK_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("VOICELINK_AUTO_RECONNECT"); v != "" {
		c.AutoReconnect = v != "false" && v != "0"
	}
	if v := os.Getenv("VOICELINK_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.MaxReconnectAttempts = uint8(n)
		}
	}
	if v := os.Getenv("VOICELINK_PREFERRED_MODES"); v != "" {
		c.PreferredModes = strings.Split(v, ",")
	}
	if v := os.Getenv("VOICELINK_BEHAVIOR_ON_EMPTY"); v != "" {
		c.BehaviorOnEmpty = v
	}
	if v := os.Getenv("VOICELINK_MAX_MISSED_FRAMES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.MaxMissedFrames = uint8(n)
		}
	}
	if v := os.Getenv("VOICELINK_HEARTBEAT_GRACE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.HeartbeatGrace = uint8(n)
		}
	}
	if v := os.Getenv("VOICELINK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VOICELINK_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}

	return c
}

// BindFlags registers pflag flags for every field, seeded from c's
// current values (typically Default() or FromEnvironment()). Call
// fs.Parse and then re-read c's fields, or pass pointers via a fresh
// Config and Parse directly against it.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.GuildID, "guild-id", c.GuildID, "Discord guild ID to join voice in")
	fs.StringVar(&c.ChannelID, "channel-id", c.ChannelID, "Discord voice channel ID to join")
	fs.StringVar(&c.UserID, "user-id", c.UserID, "bot user ID performing the join")
	fs.BoolVar(&c.AutoReconnect, "auto-reconnect", c.AutoReconnect, "automatically reconnect on a resumable or stale connection")
	fs.Uint8Var(&c.MaxReconnectAttempts, "max-reconnect-attempts", c.MaxReconnectAttempts, "bounded reconnect attempts before giving up")
	fs.StringSliceVar(&c.PreferredModes, "preferred-modes", c.PreferredModes, "RTP encryption mode preference order")
	fs.StringVar(&c.BehaviorOnEmpty, "behavior-on-empty", c.BehaviorOnEmpty, "scheduler behavior when a subscription's last sink is removed: pause, play, or stop")
	fs.Uint8Var(&c.MaxMissedFrames, "max-missed-frames", c.MaxMissedFrames, "consecutive missed 20ms ticks before auto-pausing a subscription")
	fs.Uint8Var(&c.HeartbeatGrace, "heartbeat-grace", c.HeartbeatGrace, "consecutive unacked heartbeats at which the gateway is declared stale (one fewer is tolerated)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "zerolog level: debug, info, warn, error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "listen address for a Prometheus metrics endpoint (voicelinkctl does not start one)")
}

// Validate checks the invariants these tunables must satisfy before a
// Supervisor can use them.
func (c Config) Validate() error {
	if c.GuildID == "" {
		return ErrMissingGuildID
	}
	if c.UserID == "" {
		return ErrMissingUserID
	}
	switch c.BehaviorOnEmpty {
	case "pause", "play", "stop":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidBehaviorOnEmpty, c.BehaviorOnEmpty)
	}
	if c.AutoReconnect && c.MaxReconnectAttempts == 0 {
		return ErrZeroMaxReconnectAttempts
	}
	return nil
}

// PreferredModeValues converts PreferredModes to rtp.Mode, preserving
// order, for handing to voicelink.Config.
func (c Config) PreferredModeValues() []rtp.Mode {
	out := make([]rtp.Mode, len(c.PreferredModes))
	for i, m := range c.PreferredModes {
		out[i] = rtp.Mode(m)
	}
	return out
}
