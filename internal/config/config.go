package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultBusAddr         = "127.0.0.1:7480"
	defaultDBPath          = "/data/sketchbooth.db"
	defaultImageDir        = "/data/images"
	defaultCaptureDelay    = 2 * time.Second
	defaultShutdownGrace   = 10 * time.Second
	defaultHistoryLimit    = 200
	defaultMaxImageNumber  = 10000
	defaultClapWindow      = 1500 * time.Millisecond
	defaultDetectorBaseURL = "http://127.0.0.1:8500"
)

// Config stores runtime settings for the appliance daemon and its
// listener subprocesses. Values come from a TOML file with environment
// overrides; missing file means defaults.
type Config struct {
	LogLevel string `toml:"log_level"`

	Bus       BusConfig       `toml:"bus"`
	Web       WebConfig       `toml:"web"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Camera    CameraConfig    `toml:"camera"`
	Detector  DetectorConfig  `toml:"detector"`
	Printer   PrinterConfig   `toml:"printer"`
	Feedback  FeedbackConfig  `toml:"feedback"`
	Listeners ListenersConfig `toml:"listeners"`
	Storage   StorageConfig   `toml:"storage"`
	Watch     WatchConfig     `toml:"watch"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`
}

// BusConfig describes the loopback command channel.
type BusConfig struct {
	Addr string `toml:"addr"`
}

// WebConfig describes the optional externally reachable control surface.
// An empty Addr keeps the appliance internal-only.
type WebConfig struct {
	Addr string `toml:"addr"`
}

// PipelineConfig carries the detection and rendering bounds handed to the
// pipeline's external collaborators.
type PipelineConfig struct {
	Threshold             float64       `toml:"threshold"`
	MaxOverlapping        float64       `toml:"max_overlapping"`
	MaxObjects            int           `toml:"max_objects"`
	MinInferenceDimension int           `toml:"min_inference_dimension"`
	MaxInferenceDimension int           `toml:"max_inference_dimension"`
	FitWidth              int           `toml:"fit_width"`
	FitHeight             int           `toml:"fit_height"`
	CaptureDelay          time.Duration `toml:"-"`
	CaptureDelayMS        int           `toml:"capture_delay_ms"`
}

type CameraConfig struct {
	Enabled bool   `toml:"enabled"`
	Device  string `toml:"device"`
	Command string `toml:"command"`
}

type DetectorConfig struct {
	BaseURL       string `toml:"base_url"`
	LabelMapURL   string `toml:"label_map_url"`
	LabelMapPath  string `toml:"label_map_path"`
	ForceDownload bool   `toml:"force_download"`
	DatasetDir    string `toml:"dataset_dir"`
}

type PrinterConfig struct {
	Enabled     bool   `toml:"enabled"`
	Destination string `toml:"destination"`
}

// FeedbackConfig holds the GPIO pins driving the status LED and the two
// eye LEDs used for the wink pattern.
type FeedbackConfig struct {
	StatusLEDPin int `toml:"status_led_pin"`
	LeftEyePin   int `toml:"left_eye_pin"`
	RightEyePin  int `toml:"right_eye_pin"`
}

// ListenersConfig selects which stimulus kinds the process manager probes
// and the hardware addresses behind each.
type ListenersConfig struct {
	Enabled       []string `toml:"enabled"`
	ButtonGPIOPin int      `toml:"button_gpio_pin"`
	LircSocket    string   `toml:"lirc_socket"`
	AlsaDevice    string   `toml:"alsa_device"`
	ClapThreshold int      `toml:"clap_threshold"`
	I2CBus        string   `toml:"i2c_bus"`
	I2CAddr       int      `toml:"i2c_addr"`
}

type StorageConfig struct {
	DBPath         string `toml:"db_path"`
	ImageDir       string `toml:"image_dir"`
	HistoryLimit   int    `toml:"history_limit"`
	MaxImageNumber int    `toml:"max_image_number"`
}

type WatchConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ShutdownConfig struct {
	Grace   time.Duration `toml:"-"`
	GraceMS int           `toml:"grace_ms"`
}

// LoadResult pairs a parsed config with non-fatal warnings (unknown keys).
type LoadResult struct {
	Config   Config
	Warnings []string
}

// Default returns the built-in configuration matching the reference
// appliance deployment.
func Default() Config {
	return Config{
		LogLevel: "info",
		Bus:      BusConfig{Addr: defaultBusAddr},
		Pipeline: PipelineConfig{
			Threshold:             0.3,
			MaxOverlapping:        0.5,
			MinInferenceDimension: 512,
			MaxInferenceDimension: 1024,
			FitWidth:              2048,
			FitHeight:             2048,
			CaptureDelay:          defaultCaptureDelay,
		},
		Camera: CameraConfig{
			Enabled: true,
			Device:  "/dev/video0",
			Command: "libcamera-still",
		},
		Detector: DetectorConfig{
			BaseURL:      defaultDetectorBaseURL,
			LabelMapPath: "/data/assets/label_map.json",
			DatasetDir:   "/data/assets/drawing_dataset",
		},
		Printer: PrinterConfig{Enabled: true},
		Feedback: FeedbackConfig{
			StatusLEDPin: 5,
			LeftEyePin:   6,
			RightEyePin:  13,
		},
		Listeners: ListenersConfig{
			Enabled:       []string{"button", "ir", "clap", "accel", "web"},
			ButtonGPIOPin: 17,
			LircSocket:    "/var/run/lirc/lircd",
			AlsaDevice:    "default",
			ClapThreshold: 10000,
			I2CBus:        "/dev/i2c-1",
			I2CAddr:       0x1d,
		},
		Storage: StorageConfig{
			DBPath:         defaultDBPath,
			ImageDir:       defaultImageDir,
			HistoryLimit:   defaultHistoryLimit,
			MaxImageNumber: defaultMaxImageNumber,
		},
		Watch:    WatchConfig{Dir: "/data/dropbox"},
		Shutdown: ShutdownConfig{Grace: defaultShutdownGrace},
	}
}

// Load reads the config file at path (missing file is fine), applies
// environment overrides and normalizes derived fields.
func Load(path string) (*LoadResult, error) {
	result := &LoadResult{Config: Default()}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		meta, err := toml.Decode(string(data), &result.Config)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		for _, key := range meta.Undecoded() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown config key: %q", key))
		}
	}

	applyEnv(&result.Config)
	normalize(&result.Config)
	return result, nil
}

func applyEnv(c *Config) {
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.Bus.Addr = getenv("BUS_ADDR", c.Bus.Addr)
	c.Web.Addr = getenv("WEB_ADDR", c.Web.Addr)
	c.Storage.DBPath = getenv("DB_PATH", c.Storage.DBPath)
	c.Storage.ImageDir = getenv("IMAGE_DIR", c.Storage.ImageDir)
	c.Detector.BaseURL = getenv("DETECTOR_URL", c.Detector.BaseURL)
	if raw, ok := os.LookupEnv("LISTENERS"); ok && strings.TrimSpace(raw) != "" {
		c.Listeners.Enabled = splitList(raw)
	}
	if raw, ok := os.LookupEnv("PRINTER_ENABLED"); ok {
		if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			c.Printer.Enabled = v
		}
	}
}

func normalize(c *Config) {
	if c.Pipeline.CaptureDelayMS > 0 {
		c.Pipeline.CaptureDelay = time.Duration(c.Pipeline.CaptureDelayMS) * time.Millisecond
	}
	if c.Pipeline.CaptureDelay <= 0 {
		c.Pipeline.CaptureDelay = defaultCaptureDelay
	}
	if c.Shutdown.GraceMS > 0 {
		c.Shutdown.Grace = time.Duration(c.Shutdown.GraceMS) * time.Millisecond
	}
	if c.Shutdown.Grace <= 0 {
		c.Shutdown.Grace = defaultShutdownGrace
	}
	if c.Storage.HistoryLimit <= 0 {
		c.Storage.HistoryLimit = defaultHistoryLimit
	}
	if c.Storage.MaxImageNumber <= 0 {
		c.Storage.MaxImageNumber = defaultMaxImageNumber
	}
	if c.Listeners.ClapThreshold <= 0 {
		c.Listeners.ClapThreshold = 10000
	}
}

// DBDir returns the target directory for the history database.
func (c Config) DBDir() string {
	return filepath.Dir(c.Storage.DBPath)
}

// ListenerEnabled reports whether a capability kind is selected.
func (c Config) ListenerEnabled(kind string) bool {
	for _, k := range c.Listeners.Enabled {
		if strings.EqualFold(strings.TrimSpace(k), kind) {
			return true
		}
	}
	return false
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
