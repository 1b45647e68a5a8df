package config

// loader.go - configuration overlay from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/tnr-client)
//   2. Environment variables  (this file)
//   3. Config file  (LoadFile)
//   4. Defaults   (Default)

import (
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TNR_ prefix. Boolean values accept
// "1", "true", "yes" and "0", "false", "no" (case-insensitive); anything
// else leaves the value untouched and logs a warning. Malformed integers
// are treated the same way.

// LoadFromEnv overlays environment variables onto cfg. Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	if v, ok := envBool("TNR_GPU_ENABLED"); ok {
		cfg.GpuTnrEnabled = v
	}
	if v, ok := envBool("TNR_STILL_PRIOR"); ok {
		cfg.StillTnrPrior = v
	}
	if v, ok := envBool("TNR_PARAM_FORCE_UPDATE"); ok {
		cfg.TnrParamForceUpdate = v
	}
	if v, ok := envBool("TNR_GLOBAL_PROTECTION"); ok {
		cfg.TnrGlobalProtection = v
	}
	if v := os.Getenv("TNR_SHM_DIR"); v != "" {
		cfg.ShmDir = v
	}
	if v := os.Getenv("TNR_SEGMENT_PREFIX"); v != "" {
		cfg.SegmentPrefix = v
	}
	if v := envInt("TNR_PARAM_SIZE"); v > 0 {
		cfg.ParamBlobSize = v
	}
	if v := envInt("TNR_WIDTH"); v > 0 {
		cfg.Width = v
	}
	if v := envInt("TNR_HEIGHT"); v > 0 {
		cfg.Height = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("Ignoring %s=%q: not an integer", key, v)
		return 0
	}
	if n <= 0 {
		log.Warnf("Ignoring %s=%d: must be positive", key, n)
	}
	return n
}

func envBool(key string) (value, ok bool) {
	v := os.Getenv(key)
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	case "":
		return false, false
	default:
		log.Warnf("Ignoring %s=%q: not a boolean", key, v)
		return false, false
	}
}
