package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/lovelink/internal/util"
)

// FileName is the config file inside a node directory.
const FileName = "lovelink.json"

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Capture  Capture  `json:"capture"`
	Streak   Streak   `json:"streak"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// UserID is the opaque id of the local user, issued by the auth layer.
	UserID string `json:"user_id"`
}

type Store struct {
	// Backend is "memory", "sqlite" or "redis".
	Backend string `json:"backend"`

	// SQLiteDir holds docs.db; relative to the node directory.
	SQLiteDir string `json:"sqlite_dir"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	// RedisPrefix namespaces keys so several deployments can share a server.
	RedisPrefix string `json:"redis_prefix"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// ICEServers nil uses the public STUN default; [] means host candidates only.
	ICEServers []ICEServer `json:"ice_servers"`

	DisconnectedTimeoutSec int  `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int  `json:"failed_timeout_seconds"`
	IncludeLoopback        bool `json:"include_loopback"`

	// Candidates older than this are swept by the janitor.
	CandidateRetentionHours int `json:"candidate_retention_hours"`
	JanitorIntervalMin      int `json:"janitor_interval_minutes"`
}

type Capture struct {
	VideoBitRate int `json:"video_bitrate"`
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
}

type Streak struct {
	// TimeZone is an IANA name, or "Local". Days are counted in this zone.
	TimeZone string `json:"time_zone"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	// EventBacklog is how many recent call events a new websocket client gets.
	EventBacklog int `json:"event_backlog"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:     "sqlite",
			SQLiteDir:   "data",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "lovelink",
		},
		Call: Call{
			DisconnectedTimeoutSec:  30,
			FailedTimeoutSec:        120,
			CandidateRetentionHours: 24,
			JanitorIntervalMin:      60,
		},
		Capture: Capture{
			VideoBitRate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Streak: Streak{
			TimeZone: "Local",
		},
		Viewer: Viewer{
			HTTPAddr:     "127.0.0.1:8790",
			EventBacklog: 64,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLiteDir) == "" {
			return errors.New("store.sqlite_dir is required for the sqlite backend")
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.Store.RedisAddr); err != nil {
			return fmt.Errorf("store.redis_addr: %w", err)
		}
		if c.Store.RedisDB < 0 {
			return errors.New("store.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or redis (got %q)", c.Store.Backend)
	}

	// Call
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if err := validateICEURL(u); err != nil {
				return fmt.Errorf("call.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.Call.DisconnectedTimeoutSec < 0 || c.Call.FailedTimeoutSec < 0 {
		return errors.New("call ice timeouts must be >= 0")
	}
	if c.Call.CandidateRetentionHours <= 0 {
		return errors.New("call.candidate_retention_hours must be > 0")
	}
	if c.Call.JanitorIntervalMin <= 0 {
		return errors.New("call.janitor_interval_minutes must be > 0")
	}

	// Capture
	if c.Capture.VideoBitRate < 0 || c.Capture.MaxWidth < 0 || c.Capture.MaxHeight < 0 {
		return errors.New("capture values must be >= 0")
	}

	// Streak
	if _, err := c.Streak.Location(); err != nil {
		return fmt.Errorf("streak.time_zone: %w", err)
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.EventBacklog < 0 {
		return errors.New("viewer.event_backlog must be >= 0")
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}

	return nil
}

// validateICEURL accepts stun:, stuns:, turn: and turns: URLs.
func validateICEURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("url %q: scheme must be stun, stuns, turn or turns", raw)
	}
	if u.Opaque == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}

// Location resolves the configured time zone.
func (s Streak) Location() (*time.Location, error) {
	switch s.TimeZone {
	case "", "UTC":
		return time.UTC, nil
	case "Local":
		return time.Local, nil
	}
	return time.LoadLocation(s.TimeZone)
}

// Load reads path, applies LOVELINK_* environment overrides and validates.
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
	if err := applyEnv(&cfg); err != nil {
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

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	// Environment overrides are applied on load, never written to the file.
	cfg := Default()
	cfg.Identity.UserID = userID
	if userID == "" {
		cfg.Identity.UserID = os.Getenv(envPrefix + "USER_ID")
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}
