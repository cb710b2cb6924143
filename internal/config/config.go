package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultDisplayZone is used to render timestamps in exports.
const DefaultDisplayZone = "Asia/Kolkata"

// Config holds the server configuration.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		SecureCookies  bool     `yaml:"secure_cookies"`
		DisplayZone    string   `yaml:"display_zone"`
	} `yaml:"server"`
	Database struct {
		Path   string `yaml:"path"`
		Silent bool   `yaml:"silent"`
	} `yaml:"database"`
	Model struct {
		ArtifactRoot   string `yaml:"artifact_root"`
		AllowUntrained bool   `yaml:"allow_untrained"`
		Watch          bool   `yaml:"watch"`
		// Base selects the pretrained checkpoint new runs fine-tune. Dir
		// wins over the hub download when set.
		Base struct {
			ModelID  string `yaml:"model_id"`
			Revision string `yaml:"revision"`
			Weights  string `yaml:"weights"`
			Dir      string `yaml:"dir"`
			CacheDir string `yaml:"cache_dir"`
			HFToken  string `yaml:"hf_token"`
		} `yaml:"base"`
	} `yaml:"model"`
	Training struct {
		DataDir      string  `yaml:"data_dir"`
		Epochs       int     `yaml:"epochs"`
		BatchSize    int     `yaml:"batch_size"`
		LearningRate float64 `yaml:"learning_rate"`
		WarmupSteps  int     `yaml:"warmup_steps"`
		MaxLength    int     `yaml:"max_length"`
		Seed         int64   `yaml:"seed"`
	} `yaml:"training"`
	Auth struct {
		JWTSecret  string        `yaml:"jwt_secret"`
		TokenTTL   time.Duration `yaml:"token_ttl"`
		AdminUsers []string      `yaml:"admin_users"`
	} `yaml:"auth"`
	News struct {
		APIKey   string        `yaml:"api_key"`
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"news"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "2000"
	cfg.Server.DisplayZone = DefaultDisplayZone
	cfg.Database.Path = "data/truthlens.db"
	cfg.Model.ArtifactRoot = "artifacts"
	cfg.Model.Watch = true
	cfg.Model.Base.ModelID = "Xenova/distilbert-base-uncased"
	cfg.Model.Base.Weights = "onnx/model.onnx"
	cfg.Training.DataDir = "data/liar"
	cfg.Training.Epochs = 3
	cfg.Training.BatchSize = 16
	cfg.Training.LearningRate = 5e-5
	cfg.Training.WarmupSteps = 500
	cfg.Training.MaxLength = 128
	cfg.Training.Seed = 42
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.News.Timeout = 10 * time.Second
	cfg.News.CacheTTL = 5 * time.Minute
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
		return nil
	}

	str("PORT", &c.Server.Port)
	list("TRUTHLENS_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	str("TRUTHLENS_DISPLAY_ZONE", &c.Server.DisplayZone)
	str("TRUTHLENS_DB_PATH", &c.Database.Path)
	str("TRUTHLENS_ARTIFACTS", &c.Model.ArtifactRoot)
	str("TRUTHLENS_BASE_MODEL", &c.Model.Base.ModelID)
	str("TRUTHLENS_BASE_DIR", &c.Model.Base.Dir)
	str("TRUTHLENS_MODEL_CACHE", &c.Model.Base.CacheDir)
	str("HF_TOKEN", &c.Model.Base.HFToken)
	str("TRUTHLENS_DATA_DIR", &c.Training.DataDir)
	str("TRUTHLENS_JWT_SECRET", &c.Auth.JWTSecret)
	list("TRUTHLENS_ADMIN_USERS", &c.Auth.AdminUsers)
	str("NEWS_API_KEY", &c.News.APIKey)
	str("NEWS_API_URL", &c.News.BaseURL)
	str("TRUTHLENS_LOG_LEVEL", &c.Log.Level)

	for key, dst := range map[string]*bool{
		"TRUTHLENS_SECURE_COOKIES":  &c.Server.SecureCookies,
		"TRUTHLENS_SILENT_DB":       &c.Database.Silent,
		"TRUTHLENS_ALLOW_UNTRAINED": &c.Model.AllowUntrained,
		"TRUTHLENS_WATCH_MODEL":     &c.Model.Watch,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"TRUTHLENS_TOKEN_TTL": &c.Auth.TokenTTL,
		"NEWS_API_TIMEOUT":    &c.News.Timeout,
		"NEWS_CACHE_TTL":      &c.News.CacheTTL,
	} {
		if err := duration(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup("TRUTHLENS_EPOCHS"); ok && strings.TrimSpace(v) != "" {
		epochs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("TRUTHLENS_EPOCHS: %w", err)
		}
		c.Training.Epochs = epochs
	}
	return nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("server.port is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if strings.TrimSpace(c.Model.ArtifactRoot) == "" {
		return errors.New("model.artifact_root is required")
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.WarmupSteps < 0 {
		return fmt.Errorf("training.warmup_steps must not be negative, got %d", c.Training.WarmupSteps)
	}
	if c.Training.MaxLength != 0 && c.Training.MaxLength < 3 {
		return fmt.Errorf("training.max_length must leave room for [CLS] and [SEP], got %d", c.Training.MaxLength)
	}
	if strings.TrimSpace(c.Model.Base.ModelID) == "" && strings.TrimSpace(c.Model.Base.Dir) == "" {
		return errors.New("model.base.model_id or model.base.dir is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Location resolves the display time zone.
func (c *Config) Location() (*time.Location, error) {
	zone := strings.TrimSpace(c.Server.DisplayZone)
	if zone == "" {
		zone = DefaultDisplayZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("server.display_zone %q: %w", zone, err)
	}
	return loc, nil
}

// ConfigureLogging applies the log settings to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logrus.SetLevel(level)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
