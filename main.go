// Package main provides the entry point for the tapspeak CLI, a speech
// card board: tap a card, hear its text.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tapspeak/tapspeak/cards"
	"github.com/tapspeak/tapspeak/speech"
	"github.com/tapspeak/tapspeak/speech/audio"
	"github.com/tapspeak/tapspeak/speech/backends"
	"github.com/tapspeak/tapspeak/speech/cache"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	dbPath     string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:           "tapspeak",
		Short:         "A tap-to-speak card board",
		Long:          "\nTapspeak keeps a board of speech cards. Tapping a card speaks its text,\nsynthesized once and cached for instant replay.",
		SilenceErrors: false,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}
)

// app bundles the collaborators every command needs.
type app struct {
	cfg    speech.Config
	cards  *cards.SQLiteStore
	cache  *cache.Store
	player *audio.Player
	orch   *speech.Orchestrator
}

// newApp builds the full stack from configuration. Commands that never
// synthesize or play still go through here so wiring stays uniform.
func newApp() (*app, error) {
	cfg, err := speech.LoadConfigFromViper()
	if err != nil {
		return nil, err
	}

	store, err := cards.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	audioCache, err := cache.New(cfg.CacheDir, cfg.Format)
	if err != nil {
		store.Close()
		return nil, err
	}

	primary, fallback, err := backends.FromConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	player := audio.NewPlayer()
	orch := speech.NewOrchestrator(cfg, primary, fallback, audioCache, player, store)

	return &app{
		cfg:    cfg,
		cards:  store,
		cache:  audioCache,
		player: player,
		orch:   orch,
	}, nil
}

func (a *app) close() {
	a.orch.Close()
	a.cards.Close()
}

// waitPlayback blocks until the orchestrator's terminal callback fires.
func waitPlayback(run func(done func(error))) error {
	errCh := make(chan error, 1)
	run(func(err error) { errCh <- err })
	return <-errCh
}

var speakCmd = &cobra.Command{
	Use:   "speak <card-id>",
	Short: "Speak a card's text, from cache when possible",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid card id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := waitPlayback(func(done func(error)) {
			a.orch.PlayCard(context.Background(), id, done)
		}); err != nil {
			// The board stays silent on failure; the CLI still reports
			// the cause for debugging.
			return fmt.Errorf("could not speak card %d: %w", id, err)
		}
		return nil
	},
}

var sayCmd = &cobra.Command{
	Use:   "say <text>...",
	Short: "Speak free text without a card or caching",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		text := strings.Join(args, " ")
		if err := waitPlayback(func(done func(error)) {
			a.orch.Speak(context.Background(), text, done)
		}); err != nil {
			return fmt.Errorf("could not speak: %w", err)
		}
		return nil
	},
}

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "Manage the card board",
}

var cardsAddCmd = &cobra.Command{
	Use:   "add <label> <speech-text>",
	Short: "Add a card",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetInt64("parent")
		voice, _ := cmd.Flags().GetString("voice")
		position, _ := cmd.Flags().GetInt("position")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		card, err := a.cards.CreateCard(context.Background(), cards.Card{
			ParentID:   parent,
			Label:      args[0],
			SpeechText: args[1],
			VoiceID:    voice,
			Position:   position,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Added card %d: %s\n", card.ID, card.Label)
		return nil
	},
}

var cardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cards",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		parent, _ := cmd.Flags().GetInt64("parent")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.cards.ListCards(context.Background(), parent)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No cards.")
			return nil
		}

		for _, c := range list {
			cached := " "
			if c.HasAudioRef() {
				cached = "*"
			}
			fmt.Printf("%4d %s %-20s %s\n", c.ID, cached, c.Label, c.SpeechText)
		}
		return nil
	},
}

var cardsEditCmd = &cobra.Command{
	Use:   "edit <card-id> <new-speech-text>",
	Short: "Rewrite a card's speech text",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid card id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		if err := a.cards.UpdateSpeechText(ctx, id, args[1]); err != nil {
			return err
		}

		// The stale audio must go with the old text.
		if err := a.orch.OnCardTextChanged(ctx, id); err != nil {
			return err
		}

		fmt.Printf("Updated card %d\n", id)
		return nil
	},
}

var cardsVoiceCmd = &cobra.Command{
	Use:   "voice <card-id> <voice-id>",
	Short: "Set a card's voice override",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid card id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		if err := a.cards.UpdateVoice(ctx, id, args[1]); err != nil {
			return err
		}

		// Cached audio carries the old voice; invalidate like a text
		// change so the next tap regenerates.
		if err := a.orch.OnCardTextChanged(ctx, id); err != nil {
			return err
		}

		fmt.Printf("Updated voice for card %d\n", id)
		return nil
	},
}

var cardsRmCmd = &cobra.Command{
	Use:   "rm <card-id>",
	Short: "Delete a card and its cached audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid card id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.orch.OnCardDeleted(context.Background(), id); err != nil {
			return err
		}

		fmt.Printf("Deleted card %d\n", id)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or reclaim the audio cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audio cache size",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		size, err := a.cache.Size()
		if err != nil {
			return err
		}

		fmt.Printf("Cache directory: %s\n", a.cache.Dir())
		fmt.Printf("Cached audio:    %s\n", humanize.Bytes(uint64(size)))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached audio",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.cache.Clear(); err != nil {
			return err
		}

		fmt.Println("Cache cleared. Cards will re-synthesize on the next tap.")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()

	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "card database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cardsAddCmd.Flags().Int64("parent", 0, "parent category card id")
	cardsAddCmd.Flags().String("voice", "", "per-card voice override")
	cardsAddCmd.Flags().Int("position", 0, "sort position within the parent")
	cardsListCmd.Flags().Int64("parent", 0, "list children of this category card")

	cardsCmd.AddCommand(cardsAddCmd, cardsListCmd, cardsEditCmd, cardsVoiceCmd, cardsRmCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(speakCmd, sayCmd, cardsCmd, cacheCmd, configCmd)
}

func defaultDBPath() string {
	scope := gap.NewScope(gap.User, "tapspeak")
	dirs, err := scope.DataDirs()
	if err != nil || len(dirs) == 0 {
		return filepath.Join(os.TempDir(), "tapspeak", "cards.db")
	}
	return filepath.Join(dirs[0], "cards.db")
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "tapspeak")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "tapspeak")}, dirs...)
	}

	if c := os.Getenv("TAPSPEAK_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("tapspeak")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("tapspeak")
	viper.AutomaticEnv()

	speech.SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	configFile = filepath.Join(dirs[0], "tapspeak.yml")
}
