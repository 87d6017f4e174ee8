package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Dataset     DatasetConfig
	Embedding   EmbeddingConfig
	Recognition RecognitionConfig
	Capture     CaptureConfig
	Audit       AuditConfig
	Log         LogConfig
	Web         WebConfig
	Tunables    Tunables
}

type DatasetConfig struct {
	Root string // one subdirectory per enrolled identity, named <id>_<name>
}

type EmbeddingConfig struct {
	URL          string // defaults to http://localhost:8000
	Dim          int    // defaults to 512
	HighFidelity bool   // embeddings come from the deep model, enables the stricter base thresholds
}

type RecognitionConfig struct {
	ConsistencyWindow   int // defaults to 5, clamped to [1, 20] by the history
	ConsistencyMinCount int // defaults to 3, clamped to the window by the history
	MinFaceWidthPx      int // baseline face width for scale normalization (default 96)
}

type CaptureConfig struct {
	FPS         int    // target capture rate (default 15)
	SnapshotURL string // camera snapshot endpoint for the watch command (optional)
}

type AuditConfig struct {
	DBPath string // SQLite file for the decision journal (optional, disabled if empty)
}

type WebConfig struct {
	AllowedOrigins []string // CORS origins besides localhost
	APIToken       string   // bearer token required by the API when set
}

type LogConfig struct {
	Format string // "text", "json" or empty for auto-detection
	Level  string // debug, info, warn, error
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envBool reads an environment variable as a boolean.
// Returns the default value if the env var is unset or not a valid boolean.
func envBool(key string, defaultVal bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// envList reads a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envString reads an environment variable with a fallback for empty values.
func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

func Load() (*Config, error) {
	tunables, err := LoadTunables(os.Getenv("TUNABLES_PATH"))
	if err != nil {
		return nil, fmt.Errorf("loading tunables: %w", err)
	}

	return &Config{
		Dataset: DatasetConfig{
			Root: envString("DATASET_ROOT", "data/facedata"),
		},
		Embedding: EmbeddingConfig{
			URL:          os.Getenv("EMBEDDING_URL"),
			Dim:          envInt("EMBEDDING_DIM", 512),
			HighFidelity: envBool("EMBEDDING_HIGH_FIDELITY", true),
		},
		Recognition: RecognitionConfig{
			ConsistencyWindow:   envInt("RECOGNITION_CONSISTENCY_WINDOW", 5),
			ConsistencyMinCount: envInt("RECOGNITION_CONSISTENCY_MIN_COUNT", 3),
			MinFaceWidthPx:      envInt("RECOGNITION_MIN_FACE_WIDTH_PX", 96),
		},
		Capture: CaptureConfig{
			FPS:         envInt("CAPTURE_FPS", 15),
			SnapshotURL: os.Getenv("CAPTURE_SNAPSHOT_URL"),
		},
		Audit: AuditConfig{
			DBPath: os.Getenv("AUDIT_DB_PATH"),
		},
		Log: LogConfig{
			Format: strings.ToLower(os.Getenv("LOG_FORMAT")),
			Level:  envString("LOG_LEVEL", "info"),
		},
		Web: WebConfig{
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
		},
		Tunables: tunables,
	}, nil
}
