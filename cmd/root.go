// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
	"github.com/xkilldash9x/coursepilot/internal/observability"
)

const envPrefix = "COURSEPILOT"

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"ai-provider":    "cognition.provider",
	"api-key":        "cognition.credential",
	"ollama-url":     "cognition.ollama_endpoint",
	"ollama-model":   "cognition.ollama_model",
	"model":          "cognition.model",
	"headless":       "browser.headless",
	"driver":         "browser.driver",
	"max-iterations": "loop.max_iterations",
	"artifacts-dir":  "artifacts.dir",
}

// ExitError reports a run that finished with a non-zero exit status. The
// controller has already logged the outcome.
type ExitError struct {
	Outcome schemas.RunOutcome
}

func (e *ExitError) Error() string { return "course run ended " + e.Outcome.String() }

// Code is the process exit status.
func (e *ExitError) Code() int { return e.Outcome.ExitCode() }

// options holds the per-invocation state shared by the subcommands.
type options struct {
	cfgFile string
	debug   bool
	v       *viper.Viper
}

// NewRootCommand builds a fresh command tree with its own viper instance.
func NewRootCommand() *cobra.Command {
	opts := &options{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "coursepilot [course_url]",
		Short: "CoursePilot works through web-based training courses with a vision model.",
		Long: `CoursePilot opens a course in a browser, shows each screen to a vision-capable
model and carries out the action it picks until the course reports completion.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.bindFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("model") && cfg.Cognition().Provider == config.ProviderGemini {
				cfg.CognitionCfg.GeminiModel = cfg.CognitionCfg.Model
			}

			courseURL := cfg.Course().StartURL
			if len(args) == 1 {
				courseURL = args[0]
			}
			if strings.TrimSpace(courseURL) == "" {
				return fmt.Errorf("a course URL is required, either as an argument or as course.start_url")
			}

			logger := observability.GetLogger()
			logger.Info("Starting CoursePilot", zap.String("version", Version))

			outcome, err := runCourse(cmd.Context(), cfg, courseURL, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run finished: %s after %d iterations\n", outcome, outcome.Iterations)
			if outcome.ExitCode() != 0 {
				return &ExitError{Outcome: outcome}
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug logging and save per-iteration screenshots")

	f := rootCmd.Flags()
	f.String("ai-provider", string(config.ProviderClaude), "vision model backend: claude, ollama or gemini")
	f.String("api-key", "", "API key for the hosted provider (or ANTHROPIC_API_KEY / GEMINI_API_KEY)")
	f.String("ollama-url", "http://localhost:11434", "Ollama server URL")
	f.String("ollama-model", "llava", "Ollama vision model")
	f.String("model", "", "model name for the hosted provider")
	f.Bool("headless", false, "run the browser without a window")
	f.String("driver", string(config.DriverChromedp), "browser driver: chromedp or playwright")
	f.Int("max-iterations", 500, "maximum number of loop iterations")
	f.String("artifacts-dir", "screenshots", "directory for debug artifacts")

	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)
	rootCmd.AddCommand(newVersionCmd(), newRunsCmd(opts))
	return rootCmd
}

// Execute runs the command tree with ctx and logs failures.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if logger := observability.GetLogger(); logger != nil {
		logger.Error("Command execution failed", zap.Error(err))
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}

// bindFlags loads .env and the config file, then lets changed flags override
// the file and the environment.
func (o *options) bindFlags(cmd *cobra.Command) error {
	// A missing .env file is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	config.SetDefaults(o.v)
	if err := initializeConfig(o.v, o.cfgFile); err != nil {
		return err
	}

	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := o.v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// load builds the validated configuration and initializes logging.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.NewConfigFromViper(o.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "coursepilot"})
		return nil, err
	}
	if o.debug {
		cfg.SetDebug(true)
	}
	observability.InitializeLogger(cfg.Logger())
	return cfg, nil
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}
