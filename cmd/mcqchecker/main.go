package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/HusnaQayyum/Master-Checker/internal/batch"
	"github.com/HusnaQayyum/Master-Checker/internal/imageopt"
	"github.com/HusnaQayyum/Master-Checker/internal/llm"
	"github.com/HusnaQayyum/Master-Checker/internal/llm/prompts"
	"github.com/HusnaQayyum/Master-Checker/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mcqchecker",
		Short:        "Grade scanned multiple-choice answer sheets against a master key",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, keyCmd(), gradeCmd(), resultsCmd(), exportCmd(), resetCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "mcqchecker.db", "Database path or DSN")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addRecognizerFlags(f *pflag.FlagSet) {
	f.String("recognizer", "gemini", "Recognition backend (gemini, openai)")
	f.String("gemini-key", "", "Gemini API key (falls back to GEMINI_API_KEY)")
	f.String("gemini-model", "gemini-2.5-flash", "Gemini model name")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the OpenAI-compatible backend")
	f.String("llm-model", "llama3.2-vision", "Vision model name for the OpenAI-compatible backend")
	f.String("prompt-variant", string(prompts.PromptStandard), "How ambiguous marks are read (strict, standard, lenient)")
	f.Int("max-attempts", llm.DefaultMaxAttempts, "Recognition attempts per image")
	f.Duration("retry-backoff", llm.DefaultBackoffUnit, "Backoff unit between attempts (grows linearly)")
	f.Int("max-dimension", imageopt.DefaultMaxDimension, "Longest side of the optimized image in pixels")
	f.Int("jpeg-quality", imageopt.DefaultQuality, "JPEG quality of the optimized image (1-100)")
	f.Duration("decode-timeout", imageopt.DefaultDecodeTimeout, "Maximum time to decode one image")
}

func addBatchFlags(f *pflag.FlagSet) {
	f.Duration("pace", batch.DefaultPace, "Pause between recognition calls")
	f.Bool("skip-duplicates", false, "Mark sheets that were already graded as errors instead of grading them again")
	f.StringP("lang", "l", "en", "UI language (en, ru)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MCQCHECKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mcqchecker")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mcqchecker")
	v.AddConfigPath("/etc/mcqchecker")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(store.Driver(v.GetString("db-driver")), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newRecognizer(ctx context.Context, v *viper.Viper) (*llm.Client, error) {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	policy := llm.RetryPolicy{
		MaxAttempts: v.GetInt("max-attempts"),
		Backoff:     llm.LinearBackoff(v.GetDuration("retry-backoff")),
		Sleep:       llm.SleepContext,
	}
	opts := []llm.Option{llm.WithRetryPolicy(policy), llm.WithPromptVariant(prompts.PromptVariant(variant))}

	switch backend := strings.ToLower(v.GetString("recognizer")); backend {
	case "gemini":
		return llm.NewGemini(ctx, v.GetString("gemini-key"), v.GetString("gemini-model"), opts...)
	case "openai":
		return llm.NewOpenAI(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), opts...), nil
	default:
		return nil, fmt.Errorf("unknown recognizer %q (want gemini or openai)", backend)
	}
}

func newOptimizer(v *viper.Viper) *imageopt.Optimizer {
	return imageopt.New(v.GetInt("max-dimension"), v.GetInt("jpeg-quality"), v.GetDuration("decode-timeout"))
}

// newController wires the optimizer, recognizer and store into a batch controller.
func newController(ctx context.Context, v *viper.Viper, db *store.Store) (*batch.Controller, *llm.Client, error) {
	rec, err := newRecognizer(ctx, v)
	if err != nil {
		return nil, nil, fmt.Errorf("create recognizer: %w", err)
	}
	c := batch.New(newOptimizer(v), rec, db,
		batch.WithPace(v.GetDuration("pace")),
		batch.WithSkipDuplicates(v.GetBool("skip-duplicates")),
	)
	return c, rec, nil
}

func pingRecognizer(ctx context.Context, rec *llm.Client, v *viper.Viper) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := rec.Ping(ctx); err != nil {
		return fmt.Errorf("recognizer health check: %w", err)
	}
	slog.Info("recognizer OK", "backend", v.GetString("recognizer"))
	return nil
}
