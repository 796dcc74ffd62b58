package config

import (
	"errors"
	"fmt"
	"time"
)

// Presence configures the visibility grid.
type Presence struct {
	ChunkSize float64 `yaml:"chunk_size"` // world units per chunk side
	Radius    int     `yaml:"radius"`     // interest window radius in chunks
}

// Movement configures the movement engine.
type Movement struct {
	TickInterval      time.Duration `yaml:"tick_interval"`       // click-to-move tick (default: 50ms)
	DTMax             time.Duration `yaml:"dt_max"`              // per-step time clamp
	InputActiveWindow time.Duration `yaml:"input_active_window"` // WASD counts as held this long
	ClickSpamWindow   time.Duration `yaml:"click_spam_window"`   // min gap between accepted clicks
	StopRadius        float64       `yaml:"stop_radius"`
	DefaultSpeed      float64       `yaml:"default_speed"` // used when stats carry no valid speed

	// Per-connection move:intent throttle
	IntentsPerSecond float64 `yaml:"intents_per_second"`
	IntentBurst      int     `yaml:"intent_burst"`
}

// Persistence configures the write-back loop.
type Persistence struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	MaxFlushPerTick    int           `yaml:"max_flush_per_tick"`
	MinRuntimeFlushGap time.Duration `yaml:"min_runtime_flush_gap"`
	MinStatsFlushGap   time.Duration `yaml:"min_stats_flush_gap"`
	DisconnectGrace    time.Duration `yaml:"disconnect_grace"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`    // per durable write
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"` // final flush budget on exit
}

// Auth configures handshake token verification.
type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WorldServer holds all configuration for the world server.
type WorldServer struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"` // debug|info|warn|error

	// Write queue / timeouts
	WriteTimeout  time.Duration `yaml:"write_timeout"`   // per-write deadline (default: 5s)
	ReadTimeout   time.Duration `yaml:"read_timeout"`    // idle client disconnect (default: 120s)
	SendQueueSize int           `yaml:"send_queue_size"` // per-client outbox capacity (default: 256)

	// Websocket origins accepted on upgrade. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Database    DatabaseConfig `yaml:"database"`
	Auth        Auth           `yaml:"auth"`
	Presence    Presence       `yaml:"presence"`
	Movement    Movement       `yaml:"movement"`
	Persistence Persistence    `yaml:"persistence"`
}

// DefaultWorldServer returns WorldServer config with sensible defaults.
func DefaultWorldServer() WorldServer {
	return WorldServer{
		BindAddress:   "0.0.0.0",
		Port:          3000,
		LogLevel:      "info",
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   120 * time.Second,
		SendQueueSize: 256,
		Database:      DefaultDatabase(),
		Auth: Auth{
			JWTSecret: "change-me",
		},
		Presence: Presence{
			ChunkSize: 256,
			Radius:    1,
		},
		Movement: Movement{
			TickInterval:      50 * time.Millisecond,
			DTMax:             50 * time.Millisecond,
			InputActiveWindow: 250 * time.Millisecond,
			ClickSpamWindow:   100 * time.Millisecond,
			StopRadius:        0.45,
			DefaultSpeed:      4,
			IntentsPerSecond:  30,
			IntentBurst:       10,
		},
		Persistence: Persistence{
			TickInterval:       500 * time.Millisecond,
			MaxFlushPerTick:    200,
			MinRuntimeFlushGap: 900 * time.Millisecond,
			MinStatsFlushGap:   1500 * time.Millisecond,
			DisconnectGrace:    10 * time.Second,
			WriteTimeout:       3 * time.Second,
			ShutdownTimeout:    5 * time.Second,
		},
	}
}

// LoadWorldServer loads world server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadWorldServer(path string) (WorldServer, error) {
	cfg := DefaultWorldServer()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects knobs the server cannot run with.
func (c WorldServer) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is empty"))
	}
	if c.Presence.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("presence.chunk_size must be positive, got %v", c.Presence.ChunkSize))
	}
	if c.Presence.Radius < 0 {
		errs = append(errs, fmt.Errorf("presence.radius must not be negative, got %d", c.Presence.Radius))
	}
	if c.Movement.TickInterval <= 0 || c.Movement.DTMax <= 0 {
		errs = append(errs, errors.New("movement.tick_interval and movement.dt_max must be positive"))
	}
	if c.Movement.InputActiveWindow <= 0 {
		errs = append(errs, errors.New("movement.input_active_window must be positive"))
	}
	if c.Movement.StopRadius <= 0 || c.Movement.DefaultSpeed <= 0 {
		errs = append(errs, errors.New("movement.stop_radius and movement.default_speed must be positive"))
	}
	if c.Movement.IntentsPerSecond <= 0 || c.Movement.IntentBurst <= 0 {
		errs = append(errs, errors.New("movement intent throttle must be positive"))
	}
	if c.Persistence.TickInterval <= 0 || c.Persistence.MaxFlushPerTick <= 0 {
		errs = append(errs, errors.New("persistence.tick_interval and persistence.max_flush_per_tick must be positive"))
	}
	if c.Persistence.DisconnectGrace < 0 {
		errs = append(errs, errors.New("persistence.disconnect_grace must not be negative"))
	}
	return errors.Join(errs...)
}
