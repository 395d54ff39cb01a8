package speech

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// LoadConfigFromViper loads speech configuration from Viper, then applies
// environment variable overrides.
func LoadConfigFromViper() (Config, error) {
	cfg := DefaultConfig()

	if viper.IsSet("speech.backend") {
		cfg.Backend = viper.GetString("speech.backend")
	}
	if viper.IsSet("speech.fallback_backend") {
		cfg.FallbackBackend = viper.GetString("speech.fallback_backend")
	}
	if viper.IsSet("speech.voice") {
		cfg.Voice = viper.GetString("speech.voice")
	}
	if viper.IsSet("speech.format") {
		cfg.Format = viper.GetString("speech.format")
	}
	if viper.IsSet("speech.sample_rate") {
		cfg.SampleRate = viper.GetInt("speech.sample_rate")
	}
	if viper.IsSet("speech.volume") {
		cfg.Volume = viper.GetInt("speech.volume")
	}
	if viper.IsSet("speech.rate") {
		cfg.Rate = viper.GetFloat64("speech.rate")
	}
	if viper.IsSet("speech.pitch") {
		cfg.Pitch = viper.GetFloat64("speech.pitch")
	}
	if viper.IsSet("speech.synthesis_timeout") {
		if d, err := time.ParseDuration(viper.GetString("speech.synthesis_timeout")); err == nil {
			cfg.SynthesisTimeout = d
		}
	}
	if viper.IsSet("speech.cache_dir") {
		cfg.CacheDir = viper.GetString("speech.cache_dir")
	}

	cfg.CosyVoice = loadCosyVoiceConfig()
	cfg.Google = loadGoogleConfig()
	cfg.MiniMax = loadMiniMaxConfig()
	cfg.Mock = loadMockConfig()

	// Environment variables win over the config file.
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid speech configuration: %w", err)
	}

	return cfg, nil
}

func loadCosyVoiceConfig() CosyVoiceConfig {
	cfg := DefaultCosyVoiceConfig()

	if viper.IsSet("speech.cosyvoice.url") {
		cfg.URL = viper.GetString("speech.cosyvoice.url")
	}
	if viper.IsSet("speech.cosyvoice.api_key") {
		cfg.APIKey = viper.GetString("speech.cosyvoice.api_key")
	}
	if viper.IsSet("speech.cosyvoice.model") {
		cfg.Model = viper.GetString("speech.cosyvoice.model")
	}
	if viper.IsSet("speech.cosyvoice.voice") {
		cfg.Voice = viper.GetString("speech.cosyvoice.voice")
	}

	return cfg
}

func loadGoogleConfig() GoogleConfig {
	cfg := DefaultGoogleConfig()

	if viper.IsSet("speech.google.credentials_file") {
		cfg.CredentialsFile = viper.GetString("speech.google.credentials_file")
	}
	if viper.IsSet("speech.google.language_code") {
		cfg.LanguageCode = viper.GetString("speech.google.language_code")
	}
	if viper.IsSet("speech.google.voice_name") {
		cfg.VoiceName = viper.GetString("speech.google.voice_name")
	}

	return cfg
}

func loadMiniMaxConfig() MiniMaxConfig {
	cfg := DefaultMiniMaxConfig()

	if viper.IsSet("speech.minimax.url") {
		cfg.URL = viper.GetString("speech.minimax.url")
	}
	if viper.IsSet("speech.minimax.api_key") {
		cfg.APIKey = viper.GetString("speech.minimax.api_key")
	}
	if viper.IsSet("speech.minimax.model") {
		cfg.Model = viper.GetString("speech.minimax.model")
	}
	if viper.IsSet("speech.minimax.voice_id") {
		cfg.VoiceID = viper.GetString("speech.minimax.voice_id")
	}
	if viper.IsSet("speech.minimax.timeout") {
		if d, err := time.ParseDuration(viper.GetString("speech.minimax.timeout")); err == nil {
			cfg.Timeout = d
		}
	}

	return cfg
}

func loadMockConfig() MockConfig {
	cfg := DefaultMockConfig()

	if viper.IsSet("speech.mock.generation_delay") {
		if d, err := time.ParseDuration(viper.GetString("speech.mock.generation_delay")); err == nil {
			cfg.GenerationDelay = d
		}
	}
	if viper.IsSet("speech.mock.failure_rate") {
		cfg.FailureRate = viper.GetFloat64("speech.mock.failure_rate")
	}

	return cfg
}

// SetDefaults sets default values in Viper for speech configuration.
func SetDefaults() {
	defaults := DefaultConfig()

	viper.SetDefault("speech.backend", defaults.Backend)
	viper.SetDefault("speech.format", defaults.Format)
	viper.SetDefault("speech.sample_rate", defaults.SampleRate)
	viper.SetDefault("speech.volume", defaults.Volume)
	viper.SetDefault("speech.rate", defaults.Rate)
	viper.SetDefault("speech.pitch", defaults.Pitch)
	viper.SetDefault("speech.synthesis_timeout", defaults.SynthesisTimeout.String())
	viper.SetDefault("speech.cache_dir", defaults.CacheDir)

	viper.SetDefault("speech.cosyvoice.url", defaults.CosyVoice.URL)
	viper.SetDefault("speech.cosyvoice.model", defaults.CosyVoice.Model)
	viper.SetDefault("speech.cosyvoice.voice", defaults.CosyVoice.Voice)

	viper.SetDefault("speech.google.language_code", defaults.Google.LanguageCode)
	viper.SetDefault("speech.google.voice_name", defaults.Google.VoiceName)

	viper.SetDefault("speech.minimax.url", defaults.MiniMax.URL)
	viper.SetDefault("speech.minimax.model", defaults.MiniMax.Model)
	viper.SetDefault("speech.minimax.voice_id", defaults.MiniMax.VoiceID)
	viper.SetDefault("speech.minimax.timeout", defaults.MiniMax.Timeout.String())

	viper.SetDefault("speech.mock.generation_delay", defaults.Mock.GenerationDelay.String())
	viper.SetDefault("speech.mock.failure_rate", defaults.Mock.FailureRate)
}
