package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# Speech synthesis and playback configuration
speech:
  # Primary TTS backend: cosyvoice, google, minimax, or mock
  backend: "cosyvoice"
  # Optional backend to try when the primary fails (must differ)
  # fallback_backend: "minimax"

  # Voice selector shared by all backends; cards may override per card
  # voice: ""
  # Output format: mp3 or wav
  format: "mp3"
  sample_rate: 22050
  # Volume 0-100
  volume: 50
  # Speech rate and pitch multipliers, 0.5-2.0
  rate: 1.0
  pitch: 1.0

  # Upper bound for one synthesis, including the terminal event
  synthesis_timeout: "30s"

  # Audio cache directory (defaults to the user cache dir)
  # cache_dir: ""

  # CosyVoice WebSocket streaming backend
  cosyvoice:
    url: "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
    # api_key: "your-api-key-here"
    model: "cosyvoice-v1"
    voice: "longxiaochun"

  # Google Cloud Text-to-Speech backend
  google:
    # credentials_file: "/path/to/service-account.json"
    language_code: "en-US"
    voice_name: "en-US-Standard-A"

  # MiniMax HTTP backend
  minimax:
    url: "https://api.minimax.chat/v1/t2a_pro"
    # api_key: "your-api-key-here"
    model: "speech-01"
    voice_id: "female-yujie"
    timeout: "15s"

  # Mock backend (for testing without credentials)
  mock:
    generation_delay: "10ms"
    failure_rate: 0.0
`

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Edit the tapspeak config file",
	Long:    "\nEdit the tapspeak config file. We'll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.",
	Example: "tapspeak config\ntapspeak config --config path/to/config.yml",
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Tapspeak", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
