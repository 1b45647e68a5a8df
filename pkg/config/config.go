// Package config holds the platform TNR switches and the client knobs of
// gpu-tnr-client. Values come from defaults, an optional YAML file, and
// TNR_* environment variables, in increasing order of precedence; CLI
// flags are applied on top by cmd/tnr-client.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ── Default values ───────────────────────────────────────────────────

const (
	// DefaultParamBlobSize is the byte size of a TNR parameter blob.
	DefaultParamBlobSize = 4096

	// DefaultWidth and DefaultHeight are the session geometry used when
	// none is given.
	DefaultWidth  = 1920
	DefaultHeight = 1080

	// DefaultExtraFrameNum is the number of extra TNR frames per camera.
	DefaultExtraFrameNum = 2

	// MaxCameras bounds camera ids accepted by the config.
	MaxCameras = 8
)

// CameraConfig carries per-camera TNR settings.
type CameraConfig struct {
	ID               int `json:"id"`
	TnrExtraFrameNum int `json:"tnrExtraFrameNum"`
}

// Config holds every tuneable of the client.
type Config struct {
	// ── Platform switches ────────────────────────────────────────────
	GpuTnrEnabled       bool           `json:"gpuTnrEnabled"`
	StillTnrPrior       bool           `json:"stillTnrPrior"`
	TnrParamForceUpdate bool           `json:"tnrParamForceUpdate"`
	TnrGlobalProtection bool           `json:"useTnrGlobalProtection"`
	Cameras             []CameraConfig `json:"cameras,omitempty"`

	// ── Client ───────────────────────────────────────────────────────
	ShmDir        string `json:"shmDir,omitempty"`        // "" = /dev/shm or temp dir
	SegmentPrefix string `json:"segmentPrefix,omitempty"` // "" = shm.DefaultPrefix
	ParamBlobSize int    `json:"paramBlobSize"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		GpuTnrEnabled: true,
		ParamBlobSize: DefaultParamBlobSize,
		Width:         DefaultWidth,
		Height:        DefaultHeight,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML (or JSON) file at path onto cfg. Fields absent
// from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ParamBlobSize <= 0 {
		return fmt.Errorf("config: paramBlobSize must be positive, got %d", c.ParamBlobSize)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("config: invalid geometry %dx%d", c.Width, c.Height)
	}
	seen := make(map[int]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID < 0 || cam.ID >= MaxCameras {
			return fmt.Errorf("config: camera id %d out of range [0,%d)", cam.ID, MaxCameras)
		}
		if seen[cam.ID] {
			return fmt.Errorf("config: camera id %d listed twice", cam.ID)
		}
		seen[cam.ID] = true
		if cam.TnrExtraFrameNum < 0 {
			return fmt.Errorf("config: camera %d: tnrExtraFrameNum must not be negative", cam.ID)
		}
	}
	return nil
}

// ── Platform accessors ───────────────────────────────────────────────

// IsGpuTnrEnabled reports whether TNR runs on the GPU unit.
func (c *Config) IsGpuTnrEnabled() bool { return c.GpuTnrEnabled }

// IsStillTnrPrior reports whether still captures take the TNR unit first.
func (c *Config) IsStillTnrPrior() bool { return c.StillTnrPrior }

// IsTnrParamForceUpdate reports whether parameter updates are forced.
func (c *Config) IsTnrParamForceUpdate() bool { return c.TnrParamForceUpdate }

// UseTnrGlobalProtection reports whether global protection is on.
func (c *Config) UseTnrGlobalProtection() bool { return c.TnrGlobalProtection }

// TnrExtraFrameCount returns the extra TNR frame count of a camera, or
// DefaultExtraFrameNum for cameras not listed.
func (c *Config) TnrExtraFrameCount(cameraID int) int {
	for _, cam := range c.Cameras {
		if cam.ID == cameraID {
			return cam.TnrExtraFrameNum
		}
	}
	return DefaultExtraFrameNum
}
