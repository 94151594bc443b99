package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/safesite-data/sitewatch/internal/monitoring"
	"github.com/safesite-data/sitewatch/internal/session"
)

// Config is the environment-driven service configuration. Tracking tuning
// lives in TuningConfig, not here.
type Config struct {
	ListenAddr    string
	DBPath        string
	MigrationsDir string
	// TuningPath optionally points at a tuning JSON file.
	TuningPath string
	// EmbedModelPath optionally points at the re-ID ONNX model. Empty
	// means IoU-only matching.
	EmbedModelPath string
	// OnnxLibraryPath points at the onnxruntime shared library, required
	// when EmbedModelPath is set.
	OnnxLibraryPath string
}

// Load reads the service configuration. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		monitoring.Logf("loaded configuration from .env")
	}
	return &Config{
		ListenAddr:      getEnv("SITEWATCH_LISTEN_ADDR", ":8080"),
		DBPath:          getEnv("SITEWATCH_DB_PATH", "sitewatch.db"),
		MigrationsDir:   getEnv("SITEWATCH_MIGRATIONS_DIR", "migrations"),
		TuningPath:      getEnv("SITEWATCH_TUNING_PATH", ""),
		EmbedModelPath:  getEnv("SITEWATCH_EMBED_MODEL", ""),
		OnnxLibraryPath: getEnv("SITEWATCH_ONNX_LIB", ""),
	}
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.EmbedModelPath != "" && c.OnnxLibraryPath == "" {
		return fmt.Errorf("SITEWATCH_ONNX_LIB is required when SITEWATCH_EMBED_MODEL is set")
	}
	return nil
}

// Tuning loads the tuning file named by TuningPath, or the defaults when
// no file is configured.
func (c *Config) Tuning() (*TuningConfig, error) {
	if c.TuningPath == "" {
		return EmptyTuningConfig(), nil
	}
	return LoadTuningConfig(c.TuningPath)
}

// SessionConfig resolves the tuning into the session pipeline config.
func SessionConfig(t *TuningConfig) session.Config {
	return session.Config{
		MaxAge:                  t.GetMaxAge(),
		NInit:                   t.GetNInit(),
		FrameSkip:               t.GetFrameSkip(),
		ConfidenceThreshold:     t.GetConfidenceThreshold(),
		IoUThreshold:            t.GetIoUThreshold(),
		MaxCosineDistance:       t.GetMaxCosineDistance(),
		GallerySize:             t.GetGallerySize(),
		RepeatOffenderThreshold: t.GetRepeatOffenderThreshold(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
