package flashlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/flashlog/flash"
	"github.com/viant/flashlog/flash/fileflash"
	"github.com/viant/flashlog/flash/memflash"
	"github.com/viant/flashlog/record"
	"gopkg.in/yaml.v3"
)

// Device kinds accepted by DeviceConfig.Kind.
const (
	DeviceMem  = "mem"
	DeviceFile = "file"
)

// Config defines engine geometry and the backing device.
type Config struct {
	StorageSize int          `yaml:"storageSize"`
	SectorSize  int          `yaml:"sectorSize"`
	AutoReclaim bool         `yaml:"autoReclaim"`
	Device      DeviceConfig `yaml:"device"`
}

// DeviceConfig selects the flash backend: kind "mem" for the simulated
// in-memory device, "file" for a host file backed image located by URL.
type DeviceConfig struct {
	Kind     string `yaml:"kind"`
	URL      string `yaml:"url,omitempty"`
	Compress bool   `yaml:"compress,omitempty"`
}

func (c *Config) withDefaults() {
	if c.StorageSize <= 0 {
		c.StorageSize = DefaultStorageSize
	}
	if c.SectorSize <= 0 {
		c.SectorSize = 2 * c.StorageSize
	}
	if c.Device.Kind == "" {
		c.Device.Kind = DeviceMem
	}
}

// Validate checks geometry against the record format limits.
func (c *Config) Validate() error {
	if c.StorageSize <= 0 || c.StorageSize > record.MaxStorageSize {
		return fmt.Errorf("flashlog: storageSize %d out of range (1..%d)", c.StorageSize, record.MaxStorageSize)
	}
	codec := record.NewCodec(c.StorageSize)
	if min := record.HeaderSize + codec.SnapshotSize() + codec.DeltaSize(1); c.SectorSize < min {
		return fmt.Errorf("flashlog: sectorSize %d must fit a snapshot and one delta (at least %d)", c.SectorSize, min)
	}
	switch c.Device.Kind {
	case "", DeviceMem:
	case DeviceFile:
		if strings.TrimSpace(c.Device.URL) == "" {
			return fmt.Errorf("flashlog: device url is required for kind %q", DeviceFile)
		}
	default:
		return fmt.Errorf("flashlog: unknown device kind %q", c.Device.Kind)
	}
	return nil
}

// LoadConfig reads a YAML engine configuration. The config path and the
// device URL may use ~ and file: URI forms.
func LoadConfig(path string) (*Config, error) {
	path, err := expandUserPath(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	if cfg.Device.URL != "" {
		expanded, err := expandUserPath(cfg.Device.URL)
		if err != nil {
			return nil, err
		}
		cfg.Device.URL = expanded
	}
	return &cfg, nil
}

// Open builds a mounted engine from configuration: it constructs the
// configured device, wires the oracle and runs Init. The context covers
// host file I/O only; flash operations never block on it. A mount failure
// closes the device, so recovering unreadable flash with Reset means
// constructing the engine directly over an open device.
func Open(ctx context.Context, cfg *Config, oracle flash.EraseOracle) (*Service, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var dev flash.Device
	switch cfg.Device.Kind {
	case DeviceFile:
		fileDev, err := fileflash.Open(ctx, fileflash.Options{
			URL:        cfg.Device.URL,
			SectorSize: cfg.SectorSize,
			Compress:   cfg.Device.Compress,
		})
		if err != nil {
			return nil, err
		}
		dev = fileDev
	default:
		dev = memflash.New(cfg.SectorSize)
	}
	svc, err := New(dev, oracle, WithStorageSize(cfg.StorageSize), WithAutoReclaim(cfg.AutoReclaim))
	if err == nil {
		err = svc.Init()
	}
	if err != nil {
		if closer, ok := dev.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(ctx)
		}
		return nil, err
	}
	return svc, nil
}

func expandUserPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return path, nil
	}
	prefix := ""
	rest := trimmed
	for _, p := range []string{"file://localhost", "file://", "file:"} {
		if strings.HasPrefix(trimmed, p) {
			prefix = p
			rest = strings.TrimLeft(strings.TrimPrefix(trimmed, p), "/")
			break
		}
	}
	if !strings.HasPrefix(rest, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if rest != "~" && !strings.HasPrefix(rest, "~/") {
		return "", fmt.Errorf("flashlog: unsupported ~user path: %s", path)
	}
	abs := filepath.Join(home, strings.TrimPrefix(rest, "~"))
	if prefix == "" {
		return abs, nil
	}
	// normalize every file: form to the canonical file:// URL
	return "file://" + filepath.ToSlash(abs), nil
}
