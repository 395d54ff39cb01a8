package speech

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config contains all speech core configuration options.
type Config struct {
	// Backend selection
	Backend         string `yaml:"backend" env:"TAPSPEAK_BACKEND" envDefault:"cosyvoice"`
	FallbackBackend string `yaml:"fallback_backend" env:"TAPSPEAK_FALLBACK_BACKEND"`

	// Synthesis output settings shared by all backends
	Voice      string  `yaml:"voice" env:"TAPSPEAK_VOICE"`
	Format     string  `yaml:"format" env:"TAPSPEAK_FORMAT" envDefault:"mp3"`
	SampleRate int     `yaml:"sample_rate" env:"TAPSPEAK_SAMPLE_RATE" envDefault:"22050"`
	Volume     int     `yaml:"volume" env:"TAPSPEAK_VOLUME" envDefault:"50"`
	Rate       float64 `yaml:"rate" env:"TAPSPEAK_RATE" envDefault:"1.0"`
	Pitch      float64 `yaml:"pitch" env:"TAPSPEAK_PITCH" envDefault:"1.0"`

	// Bounded wait for one synthesis, including the terminal event
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout" env:"TAPSPEAK_SYNTHESIS_TIMEOUT" envDefault:"30s"`

	// Audio cache directory; created if absent
	CacheDir string `yaml:"cache_dir" env:"TAPSPEAK_CACHE_DIR"`

	// Backend-specific configurations
	CosyVoice CosyVoiceConfig `yaml:"cosyvoice"`
	Google    GoogleConfig    `yaml:"google"`
	MiniMax   MiniMaxConfig   `yaml:"minimax"`
	Mock      MockConfig      `yaml:"mock"`
}

// CosyVoiceConfig contains settings for the WebSocket streaming backend.
type CosyVoiceConfig struct {
	URL    string `yaml:"url" env:"TAPSPEAK_COSYVOICE_URL" envDefault:"wss://dashscope.aliyuncs.com/api-ws/v1/inference"`
	APIKey string `yaml:"api_key" env:"TAPSPEAK_COSYVOICE_API_KEY"`
	Model  string `yaml:"model" env:"TAPSPEAK_COSYVOICE_MODEL" envDefault:"cosyvoice-v1"`
	Voice  string `yaml:"voice" env:"TAPSPEAK_COSYVOICE_VOICE" envDefault:"longxiaochun"`
}

// GoogleConfig contains settings for the native-SDK backend.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file" env:"TAPSPEAK_GOOGLE_CREDENTIALS_FILE"`
	LanguageCode    string `yaml:"language_code" env:"TAPSPEAK_GOOGLE_LANGUAGE_CODE" envDefault:"en-US"`
	VoiceName       string `yaml:"voice_name" env:"TAPSPEAK_GOOGLE_VOICE_NAME" envDefault:"en-US-Standard-A"`
}

// MiniMaxConfig contains settings for the simple HTTP backend.
type MiniMaxConfig struct {
	URL     string        `yaml:"url" env:"TAPSPEAK_MINIMAX_URL" envDefault:"https://api.minimax.chat/v1/t2a_pro"`
	APIKey  string        `yaml:"api_key" env:"TAPSPEAK_MINIMAX_API_KEY"`
	Model   string        `yaml:"model" env:"TAPSPEAK_MINIMAX_MODEL" envDefault:"speech-01"`
	VoiceID string        `yaml:"voice_id" env:"TAPSPEAK_MINIMAX_VOICE_ID" envDefault:"female-yujie"`
	Timeout time.Duration `yaml:"timeout" env:"TAPSPEAK_MINIMAX_TIMEOUT" envDefault:"15s"`
}

// MockConfig contains settings for the mock backend used in tests.
type MockConfig struct {
	GenerationDelay time.Duration `yaml:"generation_delay" env:"TAPSPEAK_MOCK_GENERATION_DELAY" envDefault:"10ms"`
	FailureRate     float64       `yaml:"failure_rate" env:"TAPSPEAK_MOCK_FAILURE_RATE" envDefault:"0.0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:          "cosyvoice",
		Format:           "mp3",
		SampleRate:       22050,
		Volume:           50,
		Rate:             1.0,
		Pitch:            1.0,
		SynthesisTimeout: 30 * time.Second,
		CacheDir:         defaultCacheDir(),
		CosyVoice:        DefaultCosyVoiceConfig(),
		Google:           DefaultGoogleConfig(),
		MiniMax:          DefaultMiniMaxConfig(),
		Mock:             DefaultMockConfig(),
	}
}

// DefaultCosyVoiceConfig returns default CosyVoice settings.
func DefaultCosyVoiceConfig() CosyVoiceConfig {
	return CosyVoiceConfig{
		URL:   "wss://dashscope.aliyuncs.com/api-ws/v1/inference",
		Model: "cosyvoice-v1",
		Voice: "longxiaochun",
	}
}

// DefaultGoogleConfig returns default Google TTS settings.
func DefaultGoogleConfig() GoogleConfig {
	return GoogleConfig{
		LanguageCode: "en-US",
		VoiceName:    "en-US-Standard-A",
	}
}

// DefaultMiniMaxConfig returns default MiniMax settings.
func DefaultMiniMaxConfig() MiniMaxConfig {
	return MiniMaxConfig{
		URL:     "https://api.minimax.chat/v1/t2a_pro",
		Model:   "speech-01",
		VoiceID: "female-yujie",
		Timeout: 15 * time.Second,
	}
}

// DefaultMockConfig returns default mock settings.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		GenerationDelay: 10 * time.Millisecond,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return filepath.Join(os.TempDir(), "tapspeak", "audio")
	}
	return filepath.Join(dir, "tapspeak", "audio")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validBackends := []string{"cosyvoice", "google", "minimax", "mock", ""}
	if !containsFold(validBackends, c.Backend) {
		return fmt.Errorf("invalid backend '%s': must be one of cosyvoice, google, minimax, mock", c.Backend)
	}
	c.Backend = strings.ToLower(c.Backend)

	if c.FallbackBackend != "" {
		if !containsFold(validBackends, c.FallbackBackend) {
			return fmt.Errorf("invalid fallback backend '%s'", c.FallbackBackend)
		}
		c.FallbackBackend = strings.ToLower(c.FallbackBackend)
		if c.FallbackBackend == c.Backend {
			return fmt.Errorf("fallback backend must differ from primary backend '%s'", c.Backend)
		}
	}

	if c.Format != "mp3" && c.Format != "wav" {
		return fmt.Errorf("invalid format '%s': must be mp3 or wav", c.Format)
	}

	validSampleRates := []int{8000, 16000, 22050, 24000, 44100, 48000}
	ok := false
	for _, sr := range validSampleRates {
		if c.SampleRate == sr {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid sample rate %d: must be one of %v", c.SampleRate, validSampleRates)
	}

	if c.Volume < 0 || c.Volume > 100 {
		return fmt.Errorf("volume must be between 0 and 100, got %d", c.Volume)
	}

	if c.Rate < 0.5 || c.Rate > 2.0 {
		return fmt.Errorf("rate must be between 0.5 and 2.0, got %f", c.Rate)
	}

	if c.Pitch < 0.5 || c.Pitch > 2.0 {
		return fmt.Errorf("pitch must be between 0.5 and 2.0, got %f", c.Pitch)
	}

	if c.SynthesisTimeout < time.Second {
		return fmt.Errorf("synthesis timeout must be at least 1 second, got %v", c.SynthesisTimeout)
	}

	if c.MiniMax.Timeout < time.Second {
		return fmt.Errorf("minimax timeout must be at least 1 second, got %v", c.MiniMax.Timeout)
	}

	if c.Mock.FailureRate < 0.0 || c.Mock.FailureRate > 1.0 {
		return fmt.Errorf("mock failure_rate must be between 0.0 and 1.0, got %f", c.Mock.FailureRate)
	}

	return nil
}

// SynthesisRequest builds the request for the given text and per-card
// voice override. An empty voiceID falls back to the configured voice.
func (c *Config) SynthesisRequest(text, voiceID string) SynthesisRequest {
	voice := voiceID
	if voice == "" {
		voice = c.Voice
	}
	return SynthesisRequest{
		Text:       text,
		Voice:      voice,
		Format:     c.Format,
		SampleRate: c.SampleRate,
		Volume:     c.Volume,
		Rate:       c.Rate,
		Pitch:      c.Pitch,
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
