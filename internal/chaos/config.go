package chaos

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds fault injection settings
type Config struct {
	Enabled      bool
	Profile      string
	TargetNodeID string
	DropPct      int
	DupPct       int
	DelayMsMin   int
	DelayMsMax   int
	Seed         int64
	WindowMs     int
	ExitOnLeader bool
}

// LoadConfig reads CHAOS_* environment variables
func LoadConfig() Config {
	return Config{
		Enabled:      getEnvAsBool("CHAOS_ENABLED", false),
		Profile:      getEnvAsString("CHAOS_PROFILE", ""),
		TargetNodeID: getEnvAsString("CHAOS_TARGET_NODE_ID", ""),
		DropPct:      getEnvAsInt("CHAOS_DROP_PCT", 0),
		DupPct:       getEnvAsInt("CHAOS_DUP_PCT", 0),
		DelayMsMin:   getEnvAsInt("CHAOS_DELAY_MS_MIN", 0),
		DelayMsMax:   getEnvAsInt("CHAOS_DELAY_MS_MAX", 0),
		Seed:         getEnvAsInt64("CHAOS_SEED", 1),
		WindowMs:     getEnvAsInt("CHAOS_WINDOW_MS", 0),
		ExitOnLeader: getEnvAsBool("CHAOS_EXIT_ON_LEADER", false),
	}
}

// Profile is a parsed CHAOS_PROFILE. Zero fields are left unset.
type Profile struct {
	DropPct    int
	DupPct     int
	DelayMsMin int
	DelayMsMax int
}

func (p Profile) applyTo(cfg *Config) {
	if p.DropPct > 0 {
		cfg.DropPct = p.DropPct
	}
	if p.DupPct > 0 {
		cfg.DupPct = p.DupPct
	}
	if p.DelayMsMin > 0 || p.DelayMsMax > 0 {
		cfg.DelayMsMin = p.DelayMsMin
		cfg.DelayMsMax = p.DelayMsMax
	}
}

// ParseProfile parses a profile like "drop-pct=30,dup-pct=10,delay=50-250"
func ParseProfile(profile string) (Profile, error) {
	var p Profile
	if profile == "" {
		return p, nil
	}

	for _, part := range strings.Split(profile, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Profile{}, fmt.Errorf("invalid profile entry %q", part)
		}

		var err error
		switch key {
		case "drop-pct":
			p.DropPct, err = parsePct(val)
		case "dup-pct":
			p.DupPct, err = parsePct(val)
		case "delay":
			lo, hi, found := strings.Cut(val, "-")
			if !found {
				hi = lo
			}
			if p.DelayMsMin, err = strconv.Atoi(lo); err == nil {
				p.DelayMsMax, err = strconv.Atoi(hi)
			}
			if err == nil && p.DelayMsMax < p.DelayMsMin {
				err = fmt.Errorf("max %d below min %d", p.DelayMsMax, p.DelayMsMin)
			}
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return Profile{}, fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return p, nil
}

func parsePct(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 100 {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
