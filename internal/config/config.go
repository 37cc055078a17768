package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/protocol"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Lobby     LobbyConfig     `yaml:"lobby"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Match     MatchConfig     `yaml:"match"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ClientConfig struct {
	URL         string        `yaml:"url"`
	Username    string        `yaml:"username"`
	Avatar      int           `yaml:"avatar"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type LivenessConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

type ProtocolConfig struct {
	Codec               string        `yaml:"codec"`
	ReplyTimeout        time.Duration `yaml:"reply_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	QueueSize           int           `yaml:"queue_size"`
	MaxFrameBytes       int64         `yaml:"max_frame_bytes"`
	MaxProtocolFailures int           `yaml:"max_protocol_failures"`
}

type LobbyConfig struct {
	Slots int `yaml:"slots"`
	// Computer seats the host fills with computer players at startup.
	Computer int `yaml:"computer"`
}

type ForwarderConfig struct {
	Throttle time.Duration `yaml:"throttle"`
}

type MatchConfig struct {
	Target      int           `yaml:"target"`
	MaxStep     int           `yaml:"max_step"`
	MaxTurns    int           `yaml:"max_turns"`
	TurnDelay   time.Duration `yaml:"turn_delay"`
	MoveTimeout time.Duration `yaml:"move_timeout"`
}

// HistoryConfig points at the SQLite file finished matches are kept in. An
// empty path keeps no history.
type HistoryConfig struct {
	Path   string `yaml:"path"`
	Recent int    `yaml:"recent"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	Pretty    bool   `yaml:"pretty"`
	Verbosity string `yaml:"verbosity"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           36743,
			MaxConnections: 16,
		},
		Client: ClientConfig{
			URL:         "ws://localhost:36743/ws",
			Username:    "player",
			DialTimeout: 5 * time.Second,
		},
		Liveness: LivenessConfig{
			HeartbeatInterval: 15 * time.Second,
			IdleTimeout:       45 * time.Second,
		},
		Protocol: ProtocolConfig{
			Codec:               protocol.CodecJSON,
			ReplyTimeout:        30 * time.Second,
			WriteTimeout:        10 * time.Second,
			QueueSize:           256,
			MaxFrameBytes:       1 << 20,
			MaxProtocolFailures: 10,
		},
		Lobby: LobbyConfig{
			Slots:    4,
			Computer: 1,
		},
		Forwarder: ForwarderConfig{
			Throttle: 50 * time.Millisecond,
		},
		Match: MatchConfig{
			Target:      20,
			MaxStep:     3,
			MaxTurns:    200,
			TurnDelay:   250 * time.Millisecond,
			MoveTimeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Recent: 20,
		},
		Log: LogConfig{
			Level:     "info",
			Pretty:    true,
			Verbosity: string(gamelog.Medium),
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the rest of the program cannot work with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.MaxConnections >= 0, "server.max_connections must not be negative")
	check(c.Liveness.HeartbeatInterval >= 0, "liveness.heartbeat_interval must not be negative")
	check(c.Liveness.IdleTimeout >= 0, "liveness.idle_timeout must not be negative")
	if c.Liveness.HeartbeatInterval > 0 && c.Liveness.IdleTimeout > 0 {
		check(c.Liveness.IdleTimeout > c.Liveness.HeartbeatInterval,
			"liveness.idle_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Liveness.IdleTimeout, c.Liveness.HeartbeatInterval)
	}
	_, err := protocol.NewCodec(c.Protocol.Codec)
	check(err == nil, "protocol.codec: %v", err)
	check(c.Protocol.ReplyTimeout > 0, "protocol.reply_timeout must be positive")
	check(c.Protocol.QueueSize > 0, "protocol.queue_size must be positive")
	check(c.Protocol.MaxFrameBytes > 0, "protocol.max_frame_bytes must be positive")
	check(c.Protocol.MaxProtocolFailures >= 0, "protocol.max_protocol_failures must not be negative")
	check(c.Lobby.Slots >= 2, "lobby.slots must be at least 2")
	check(c.Lobby.Computer >= 0 && c.Lobby.Computer < c.Lobby.Slots,
		"lobby.computer must leave at least one open slot")
	check(c.Forwarder.Throttle >= 0, "forwarder.throttle must not be negative")
	check(c.Match.Target > 0, "match.target must be positive")
	check(c.Match.MaxStep > 0, "match.max_step must be positive")
	check(c.History.Recent >= 0, "history.recent must not be negative")

	return errors.Join(errs...)
}

// YAML renders the configuration, e.g. to print the defaults.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
