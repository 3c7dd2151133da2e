package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "LOVELINK_"

// LoadEnv reads dir/.env into the process environment. Variables already set
// win over the file. A missing file is not an error.
func LoadEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// applyEnv overrides cfg from LOVELINK_* variables.
func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("USER_ID", &cfg.Identity.UserID)
	str("STORE_BACKEND", &cfg.Store.Backend)
	str("SQLITE_DIR", &cfg.Store.SQLiteDir)
	str("REDIS_ADDR", &cfg.Store.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Store.RedisPassword)
	str("REDIS_PREFIX", &cfg.Store.RedisPrefix)
	str("HTTP_ADDR", &cfg.Viewer.HTTPAddr)
	str("TIMEZONE", &cfg.Streak.TimeZone)
	str("LOG_LEVEL", &cfg.Log.Level)
	if err := num("REDIS_DB", &cfg.Store.RedisDB); err != nil {
		return err
	}

	// Comma-separated STUN/TURN urls, one server each. Empty means host only.
	if v, ok := os.LookupEnv(envPrefix + "ICE_SERVERS"); ok {
		servers := []ICEServer{}
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				servers = append(servers, ICEServer{URLs: []string{u}})
			}
		}
		cfg.Call.ICEServers = servers
	}
	return nil
}
