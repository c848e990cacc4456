package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/duoroom/duoroom/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Broadcast Broadcast `json:"broadcast"`
	Gateway   Gateway   `json:"gateway"`
	Timers    Timers    `json:"timers"`
	Call      Call      `json:"call"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Paths struct {
	DataDir  string `json:"data_dir"`
	MediaDir string `json:"media_dir"`
}

type Broadcast struct {
	ListenPort int `json:"listen_port"`

	// Static peer multiaddrs (with /p2p/ component) dialed eagerly.
	// Needed when the partner is not reachable by mDNS on the LAN.
	Peers []string `json:"peers"`
}

type Gateway struct {
	HTTPAddr string `json:"http_addr"`

	// Public origin for media URLs. Empty derives it from HTTPAddr.
	ExternalURL string `json:"external_url"`

	// Open the gateway in the system browser on start.
	OpenBrowser bool `json:"open_browser"`
}

type Timers struct {
	HeartbeatSec     int `json:"heartbeat_seconds"`
	TypingDebounceMs int `json:"typing_debounce_ms"`
	ReadIntervalSec  int `json:"read_interval_seconds"`
	StatusPollSec    int `json:"status_poll_seconds"`
}

type Call struct {
	ICEServers    []string `json:"ice_servers"`
	VideoDisabled bool     `json:"video_disabled"` // audio-only mode
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/node.key",
		},
		Paths: Paths{
			DataDir:  "data",
			MediaDir: "data/media",
		},
		Broadcast: Broadcast{
			ListenPort: 0,
		},
		Gateway: Gateway{
			HTTPAddr:    "127.0.0.1:8090",
			OpenBrowser: false,
		},
		Timers: Timers{
			HeartbeatSec:     30,
			TypingDebounceMs: 1500,
			ReadIntervalSec:  3,
			StatusPollSec:    5,
		},
		Call: Call{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Timer accessors with the JSON ints turned into durations.

func (t Timers) Heartbeat() time.Duration      { return time.Duration(t.HeartbeatSec) * time.Second }
func (t Timers) TypingDebounce() time.Duration { return time.Duration(t.TypingDebounceMs) * time.Millisecond }
func (t Timers) ReadInterval() time.Duration   { return time.Duration(t.ReadIntervalSec) * time.Second }
func (t Timers) StatusPoll() time.Duration     { return time.Duration(t.StatusPollSec) * time.Second }

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.MediaDir) == "" {
		return errors.New("paths.media_dir is required")
	}

	// Broadcast
	if c.Broadcast.ListenPort < 0 || c.Broadcast.ListenPort > 65535 {
		return errors.New("broadcast.listen_port must be 0..65535")
	}

	// Gateway
	if strings.TrimSpace(c.Gateway.HTTPAddr) == "" {
		return errors.New("gateway.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Gateway.HTTPAddr); err != nil {
		return fmt.Errorf("gateway.http_addr: %w", err)
	}

	// Timers
	if c.Timers.HeartbeatSec <= 0 {
		return errors.New("timers.heartbeat_seconds must be > 0")
	}
	if c.Timers.TypingDebounceMs <= 0 {
		return errors.New("timers.typing_debounce_ms must be > 0")
	}
	if c.Timers.ReadIntervalSec <= 0 {
		return errors.New("timers.read_interval_seconds must be > 0")
	}
	if c.Timers.StatusPollSec <= 0 {
		return errors.New("timers.status_poll_seconds must be > 0")
	}

	// Call
	if !c.Call.VideoDisabled && len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers is required unless video_disabled")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
