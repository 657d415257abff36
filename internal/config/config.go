package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Call      Call      `json:"call"`
	Profile   Profile   `json:"profile"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

// Signaling configures the room relay transport.
type Signaling struct {
	// "pubsub" runs an embedded libp2p node and uses GossipSub as the relay.
	// "websocket" connects to an external relay server at RelayURL.
	Mode string `json:"mode"`

	// libp2p TCP listen port for pubsub mode. 0 = random.
	ListenPort int `json:"listen_port"`

	// Relay server URL for websocket mode, e.g. "wss://relay.example.org/ws".
	RelayURL string `json:"relay_url"`

	// Presence heartbeat and expiry for pubsub mode (seconds).
	HeartbeatSec int `json:"heartbeat_seconds"`
	TTLSec       int `json:"ttl_seconds"`

	// Resubscription backoff bounds after a transport drop (milliseconds).
	ResubscribeInitialMS int `json:"resubscribe_initial_ms"`
	ResubscribeMaxMS     int `json:"resubscribe_max_ms"`
}

// ICEServer describes one STUN or TURN entry handed to the WebRTC engine.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`

	// Pion ICE timeouts (seconds). Generous defaults so a brief relay/NAT
	// hiccup does not immediately terminate the call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepaliveIntervalSec   int `json:"keepalive_interval_sec"`
}

type Media struct {
	// Capture caps. Higher resolutions increase VP8 encoding latency.
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	MaxFrameRate int `json:"max_frame_rate"`

	// VP8 target bitrate in bits per second.
	VideoBitRate int `json:"video_bit_rate"`
}

// Call tunes the per-peer failure/recovery policy.
type Call struct {
	// Grace window after a connection reports "disconnected" before an ICE
	// restart fires. Matches the behaviour peers expect: 3 seconds.
	DisconnectGraceSec int `json:"disconnect_grace_sec"`

	// Consecutive failed restarts before a peer is reported as persistently
	// failing. Restarts keep going; this only affects the reported state.
	RestartLimit int `json:"restart_limit"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Mode:                 "pubsub",
			ListenPort:           0,
			HeartbeatSec:         5,
			TTLSec:               20,
			ResubscribeInitialMS: 500,
			ResubscribeMaxMS:     30000,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepaliveIntervalSec:   2,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			MaxFrameRate: 30,
			VideoBitRate: 1_500_000,
		},
		Call: Call{
			DisconnectGraceSec: 3,
			RestartLimit:       3,
		},
		Profile: Profile{
			DisplayName: "anonymous",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	switch c.Signaling.Mode {
	case "pubsub":
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return fmt.Errorf("signaling.listen_port out of range: %d", c.Signaling.ListenPort)
		}
	case "websocket":
		if strings.TrimSpace(c.Signaling.RelayURL) == "" {
			return errors.New("signaling.relay_url is required in websocket mode")
		}
	default:
		return fmt.Errorf("signaling.mode must be \"pubsub\" or \"websocket\", got %q", c.Signaling.Mode)
	}
	if c.Signaling.HeartbeatSec <= 0 {
		return errors.New("signaling.heartbeat_seconds must be positive")
	}
	if c.Signaling.TTLSec <= c.Signaling.HeartbeatSec {
		return errors.New("signaling.ttl_seconds must exceed heartbeat_seconds")
	}
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must contain at least one STUN entry")
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
	}
	if c.Call.DisconnectGraceSec < 0 {
		return errors.New("call.disconnect_grace_sec must not be negative")
	}
	if c.Call.RestartLimit < 1 {
		return errors.New("call.restart_limit must be at least 1")
	}
	return nil
}

// DisconnectGrace returns the configured grace window as a Duration.
func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.Call.DisconnectGraceSec) * time.Second
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Ensure loads the config at path, writing defaults first if the file does
// not exist. The bool return reports whether a new file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	cfg, err := Load(path)
	return cfg, false, err
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
