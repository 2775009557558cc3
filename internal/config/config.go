package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/okale/convo/internal/util"
)

type Config struct {
	Server    Server    `json:"server"`
	Reconnect Reconnect `json:"reconnect"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Storage   Storage   `json:"storage"`
	UI        UI        `json:"ui"`
}

type Server struct {
	// Base URL of the REST backend, e.g. "http://localhost:4000".
	APIURL string `json:"api_url"`

	// WebSocket endpoint for the live connection. Empty derives it from
	// APIURL by swapping the scheme (http -> ws) and appending /ws.
	SocketURL string `json:"socket_url"`
}

type Reconnect struct {
	// Maximum reconnect attempts after an unexpected disconnect before
	// the connection manager gives up. 0 disables reconnection.
	Attempts int `json:"attempts"`

	// Seconds to wait between reconnect attempts.
	DelaySec int `json:"delay_seconds"`

	// Seconds allowed for the dial + auth handshake to complete.
	HandshakeTimeoutSec int `json:"handshake_timeout_seconds"`
}

type Call struct {
	// Seconds an unanswered outgoing call rings before it is ended as
	// missed. 0 rings indefinitely.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Media struct {
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`

	// Disable video capture entirely; video calls degrade to audio-only
	// on this end.
	VideoDisabled bool `json:"video_disabled"`
}

type Storage struct {
	// Path to the local history cache database. Empty disables caching.
	CachePath string `json:"cache_path"`
}

type UI struct {
	// Go time layout used when rendering message and last-seen timestamps.
	TimeFormat string `json:"time_format"`
}

func Default() Config {
	return Config{
		Server: Server{
			APIURL: "http://localhost:4000",
		},
		Reconnect: Reconnect{
			Attempts:            5,
			DelaySec:            1,
			HandshakeTimeoutSec: 20,
		},
		Call: Call{
			RingTimeoutSec: 0,
		},
		Storage: Storage{
			CachePath: "data/cache.db",
		},
		UI: UI{
			TimeFormat: "Jan 2, 3:04 PM",
		},
	}
}

func (c *Config) Validate() error {
	api := strings.TrimSpace(c.Server.APIURL)
	if api == "" {
		return errors.New("server.api_url is required")
	}
	if err := validateHTTPURL(api); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if ws := strings.TrimSpace(c.Server.SocketURL); ws != "" {
		u, err := url.Parse(ws)
		if err != nil {
			return fmt.Errorf("server.socket_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("server.socket_url scheme must be ws or wss")
		}
	}

	if c.Reconnect.Attempts < 0 {
		return errors.New("reconnect.attempts must be >= 0")
	}
	if c.Reconnect.DelaySec < 0 {
		return errors.New("reconnect.delay_seconds must be >= 0")
	}
	if c.Reconnect.HandshakeTimeoutSec <= 0 {
		return errors.New("reconnect.handshake_timeout_seconds must be > 0")
	}

	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}

	return nil
}

// WebSocketURL returns the explicit socket URL, or one derived from the
// API URL ("http://host:port" -> "ws://host:port/ws").
func (c *Config) WebSocketURL() string {
	if ws := strings.TrimSpace(c.Server.SocketURL); ws != "" {
		return ws
	}
	api := strings.TrimSpace(c.Server.APIURL)
	api = strings.TrimSuffix(api, "/")
	if rest, ok := strings.CutPrefix(api, "https://"); ok {
		return "wss://" + rest + "/ws"
	}
	if rest, ok := strings.CutPrefix(api, "http://"); ok {
		return "ws://" + rest + "/ws"
	}
	return api + "/ws"
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

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
