// Package config provides configuration management for the page translator.
//
// Config is the single explicit configuration object of a run. It is built
// once by a ConfigManager (JSON file, then environment) and handed to every
// component that needs it; nothing reads configuration from globals.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"page-translator/internal/logger"
	"page-translator/internal/types"
)

const (
	// DefaultConfigFileName is the default configuration file name
	DefaultConfigFileName = "page-translator-config.json"

	EnvAPIKey       = "MODELSCOPE_API_KEY"
	EnvBaseURL      = "MODELSCOPE_BASE_URL"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvRedisURL     = "REDIS_URL"
	EnvPrefix       = "PAGETRANS_"

	DefaultProvider         = ProviderOpenAI
	DefaultBaseURL          = "https://api-inference.modelscope.cn/v1/"
	DefaultVisionModel      = "Qwen/Qwen2.5-VL-7B-Instruct"
	DefaultTranslationModel = "Qwen/Qwen2.5-7B-Instruct"
	DefaultGeminiModel      = "gemini-1.5-flash"

	DefaultDetectionPrompt   = "Spotting all the sentence in the image with line-level. Avoid word-by-word output. And output in JSON format."
	DefaultSystemPrompt      = "You are a helpful assistant."
	DefaultTranslationPrompt = "请将以下中文句子翻译成英文，输出只需包含翻译结果。"

	DefaultMinPixels = 512 * 28 * 28
	DefaultMaxPixels = 2048 * 28 * 28
	DefaultDPI       = 300

	DefaultConcurrency       = 1
	DefaultTimeoutSeconds    = 180
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 2

	DefaultFontSize = 40
	DefaultBoxColor = "#ff0000"

	DefaultWorkDirectory   = "."
	DefaultOutputDirectory = "outputs"
	DefaultUploadDirectory = "temp_uploads"

	DefaultCacheBackend = CacheFile
	DefaultQueueName    = "page-translator"
	DefaultLogLevel     = "info"
)

// Detection providers
const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderTesseract = "tesseract"
)

// Translation cache backends
const (
	CacheNone  = "none"
	CacheFile  = "file"
	CacheRedis = "redis"
)

// Config 应用配置
type Config struct {
	Provider         string `json:"provider"`
	APIKey           string `json:"api_key"`
	BaseURL          string `json:"base_url"`
	VisionModel      string `json:"vision_model"`
	TranslationModel string `json:"translation_model"`
	GeminiAPIKey     string `json:"gemini_api_key"`
	GeminiModel      string `json:"gemini_model"`

	DetectionPrompt   string `json:"detection_prompt"`
	SystemPrompt      string `json:"system_prompt"`
	TranslationPrompt string `json:"translation_prompt"`

	MinPixels int `json:"min_pixels"`
	MaxPixels int `json:"max_pixels"`
	DPI       int `json:"dpi"`
	// ResizeBeforeUpload downscales each page to its normalized geometry
	// before it is sent, so the detection frame never depends on the server.
	ResizeBeforeUpload bool `json:"resize_before_upload"`

	Concurrency       int `json:"concurrency"`
	TimeoutSeconds    int `json:"timeout_seconds"`
	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`

	FontPath string  `json:"font_path"`
	FontSize float64 `json:"font_size"`
	BoxColor string  `json:"box_color"`

	WorkDirectory     string `json:"work_directory"`
	OutputDirectory   string `json:"output_directory"`
	UploadDirectory   string `json:"upload_directory"`
	KeepIntermediates bool   `json:"keep_intermediates"`
	// ExportDetections writes every drawn line of a run to a Parquet file
	// next to the output PDF.
	ExportDetections bool `json:"export_detections"`

	CacheBackend string `json:"cache_backend"`
	CachePath    string `json:"cache_path"`
	RedisURL     string `json:"redis_url"`
	QueueName    string `json:"queue_name"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		Provider:           DefaultProvider,
		BaseURL:            DefaultBaseURL,
		VisionModel:        DefaultVisionModel,
		TranslationModel:   DefaultTranslationModel,
		GeminiModel:        DefaultGeminiModel,
		DetectionPrompt:    DefaultDetectionPrompt,
		SystemPrompt:       DefaultSystemPrompt,
		TranslationPrompt:  DefaultTranslationPrompt,
		MinPixels:          DefaultMinPixels,
		MaxPixels:          DefaultMaxPixels,
		DPI:                DefaultDPI,
		ResizeBeforeUpload: true,
		Concurrency:        DefaultConcurrency,
		TimeoutSeconds:     DefaultTimeoutSeconds,
		MaxRetries:         DefaultMaxRetries,
		RetryDelaySeconds:  DefaultRetryDelaySeconds,
		FontSize:           DefaultFontSize,
		BoxColor:           DefaultBoxColor,
		WorkDirectory:      DefaultWorkDirectory,
		OutputDirectory:    DefaultOutputDirectory,
		UploadDirectory:    DefaultUploadDirectory,
		CacheBackend:       DefaultCacheBackend,
		QueueName:          DefaultQueueName,
		LogLevel:           DefaultLogLevel,
	}
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	setString := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	setInt := func(dst *int, def int) {
		if *dst <= 0 {
			*dst = def
		}
	}

	setString(&c.Provider, d.Provider)
	setString(&c.BaseURL, d.BaseURL)
	setString(&c.VisionModel, d.VisionModel)
	setString(&c.TranslationModel, d.TranslationModel)
	setString(&c.GeminiModel, d.GeminiModel)
	setString(&c.DetectionPrompt, d.DetectionPrompt)
	setString(&c.SystemPrompt, d.SystemPrompt)
	setString(&c.TranslationPrompt, d.TranslationPrompt)
	setString(&c.BoxColor, d.BoxColor)
	setString(&c.WorkDirectory, d.WorkDirectory)
	setString(&c.OutputDirectory, d.OutputDirectory)
	setString(&c.UploadDirectory, d.UploadDirectory)
	setString(&c.CacheBackend, d.CacheBackend)
	setString(&c.QueueName, d.QueueName)
	setString(&c.LogLevel, d.LogLevel)

	setInt(&c.MinPixels, d.MinPixels)
	setInt(&c.MaxPixels, d.MaxPixels)
	setInt(&c.DPI, d.DPI)
	setInt(&c.Concurrency, d.Concurrency)
	setInt(&c.TimeoutSeconds, d.TimeoutSeconds)
	setInt(&c.RetryDelaySeconds, d.RetryDelaySeconds)
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.FontSize <= 0 {
		c.FontSize = d.FontSize
	}
}

// applyEnv overlays environment variables. Credentials from the environment
// only fill empty fields; PAGETRANS_* settings always win.
func (c *Config) applyEnv() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.GeminiAPIKey == "" {
		c.GeminiAPIKey = os.Getenv(EnvGeminiAPIKey)
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}

	strs := map[string]*string{
		"PROVIDER":   &c.Provider,
		"VL_MODEL":   &c.VisionModel,
		"MT_MODEL":   &c.TranslationModel,
		"FONT_PATH":  &c.FontPath,
		"WORK_DIR":   &c.WorkDirectory,
		"OUTPUT_DIR": &c.OutputDirectory,
		"CACHE":      &c.CacheBackend,
		"QUEUE":      &c.QueueName,
		"LOG_LEVEL":  &c.LogLevel,
		"LOG_FILE":   &c.LogFile,
	}
	for name, dst := range strs {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DPI":         &c.DPI,
		"MIN_PIXELS":  &c.MinPixels,
		"MAX_PIXELS":  &c.MaxPixels,
		"CONCURRENCY": &c.Concurrency,
		"TIMEOUT":     &c.TimeoutSeconds,
		"MAX_RETRIES": &c.MaxRetries,
	}
	for name, dst := range ints {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Warn("ignoring non-numeric environment value",
				logger.String("name", EnvPrefix+name), logger.String("value", v))
			continue
		}
		*dst = n
	}

	bools := map[string]*bool{
		"RESIZE_BEFORE_UPLOAD": &c.ResizeBeforeUpload,
		"KEEP_INTERMEDIATES":   &c.KeepIntermediates,
		"EXPORT_DETECTIONS":    &c.ExportDetections,
	}
	for name, dst := range bools {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
}

// Validate checks the configuration before any page work starts. A missing
// credential for the selected provider is a configuration error.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderTesseract:
		// tesseract still translates through the OpenAI-compatible endpoint
		if strings.TrimSpace(c.APIKey) == "" {
			return types.NewAppErrorWithDetails(types.ErrConfig, "API key not configured",
				"set "+EnvAPIKey+" or api_key in the config file", nil)
		}
	case ProviderGemini:
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			return types.NewAppErrorWithDetails(types.ErrConfig, "Gemini API key not configured",
				"set "+EnvGeminiAPIKey+" or gemini_api_key in the config file", nil)
		}
	default:
		return types.NewAppErrorWithDetails(types.ErrConfig, "unknown provider", c.Provider, nil)
	}

	if c.MinPixels <= 0 || c.MinPixels > c.MaxPixels {
		return types.NewAppErrorWithDetails(types.ErrConfig, "invalid pixel bounds",
			"require 0 < min_pixels <= max_pixels", nil)
	}
	if c.DPI <= 0 {
		return types.NewAppError(types.ErrConfig, "dpi must be positive", nil)
	}
	if c.Concurrency <= 0 {
		return types.NewAppError(types.ErrConfig, "concurrency must be positive", nil)
	}
	switch c.CacheBackend {
	case CacheNone, CacheFile:
	case CacheRedis:
		if c.RedisURL == "" {
			return types.NewAppErrorWithDetails(types.ErrConfig, "redis cache selected without a URL",
				"set "+EnvRedisURL, nil)
		}
	default:
		return types.NewAppErrorWithDetails(types.ErrConfig, "unknown cache backend", c.CacheBackend, nil)
	}
	return nil
}

// CallTimeout is the deadline for a single remote call.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay is the base delay of the exponential retry backoff.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// ImageDir is the working directory for the rasterized pages of pdfName.
func (c *Config) ImageDir(pdfName string) string {
	return filepath.Join(c.WorkDirectory, "imgs", pdfName)
}

// RunImageDir is the working directory of one run of pdfName. Runs of
// documents sharing a name never see each other's pages.
func (c *Config) RunImageDir(pdfName, runID string) string {
	return filepath.Join(c.ImageDir(pdfName), runID)
}

// TranslationCachePath is the file cache location, defaulting under the output directory.
func (c *Config) TranslationCachePath() string {
	if c.CachePath != "" {
		return c.CachePath
	}
	return filepath.Join(c.OutputDirectory, ".translation-cache.json")
}

// Clone returns a copy that can be modified without affecting c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ConfigManager manages application configuration
type ConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
}

// NewConfigManager creates a new ConfigManager with the specified config path.
// If configPath is empty, it uses the default path in user's config directory.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	if configPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			logger.Error("failed to get user config directory", err)
			return nil, types.NewAppError(types.ErrConfig, "failed to get user config directory", err)
		}
		configPath = filepath.Join(dir, "page-translator", DefaultConfigFileName)
	}

	logger.Debug("ConfigManager initialized", logger.String("configPath", configPath))
	return &ConfigManager{
		configPath: configPath,
		config:     Default(),
	}, nil
}

// Load reads the config file, falling back to defaults when it is missing or
// not valid JSON, then overlays the environment.
func (m *ConfigManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := Default()
	data, err := os.ReadFile(m.configPath)
	switch {
	case err == nil:
		// keys absent from the file keep their defaults
		parsed := Default()
		if err := json.Unmarshal(data, parsed); err != nil {
			logger.Warn("invalid config file format, using defaults",
				logger.String("path", m.configPath), logger.Err(err))
		} else {
			cfg = parsed
		}
	case os.IsNotExist(err):
		logger.Info("config file not found, using defaults", logger.String("path", m.configPath))
	default:
		logger.Error("failed to read config file", err, logger.String("path", m.configPath))
		return types.NewAppError(types.ErrConfig, "failed to read config file", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	m.config = cfg

	logger.Info("configuration loaded",
		logger.String("provider", cfg.Provider),
		logger.String("baseURL", cfg.BaseURL),
		logger.String("visionModel", cfg.VisionModel),
		logger.Int("apiKeyLength", len(cfg.APIKey)))
	return nil
}

// Save writes the current configuration to the config file.
func (m *ConfigManager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Error("failed to create config directory", err, logger.String("dir", dir))
		return types.NewAppError(types.ErrConfig, "failed to create config directory", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrConfig, "failed to marshal config", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		logger.Error("failed to write config file", err, logger.String("path", m.configPath))
		return types.NewAppError(types.ErrConfig, "failed to write config file", err)
	}

	logger.Info("configuration saved", logger.String("path", m.configPath))
	return nil
}

// Config returns a snapshot of the current configuration.
func (m *ConfigManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone()
}

// SetConfig replaces the configuration; empty fields are defaulted.
func (m *ConfigManager) SetConfig(cfg *Config) {
	cp := cfg.Clone()
	cp.applyDefaults()

	m.mu.Lock()
	m.config = cp
	m.mu.Unlock()
}

// Update applies fn to the configuration and saves the result.
func (m *ConfigManager) Update(fn func(*Config)) error {
	m.mu.Lock()
	fn(m.config)
	m.config.applyDefaults()
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file.
func (m *ConfigManager) GetConfigPath() string {
	return m.configPath
}
