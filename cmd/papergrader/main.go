package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"papergrader/internal/ai"
	"papergrader/internal/ai/prompts"
	"papergrader/internal/export"
	"papergrader/internal/grader"
	"papergrader/internal/handler"
	"papergrader/internal/model"
	"papergrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "papergrader",
		Short: "AI-assisted grading of scanned test papers",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `papergrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "papergrader.db", "SQLite database path")
	f.String("data-dir", "uploads", "Directory for uploaded page images")
	f.String("ai-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("ai-key", "ollama", "API key for the AI endpoint")
	f.String("vision-model", "llama3.2-vision", "Model used for answer extraction")
	f.String("scoring-model", "llama3.2", "Model used for answer scoring")
	f.IntP("window", "w", grader.DefaultWindow, "Concurrent AI calls per batch window")
	f.String("prompt-variant", string(prompts.VariantStandard), "Scoring prompt variant (strict, standard, lenient)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set PAPERGRADER_ADMIN_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export scored submissions of one schema as CSV",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "papergrader.db", "SQLite database path")
	f.Int64("schema-id", 0, "Rubric schema to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("schema-id")

	return cmd
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

	v.SetEnvPrefix("PAPERGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("papergrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/papergrader")
	v.AddConfigPath("/etc/papergrader")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := db.CleanupExpiredSessions(); err != nil {
		slog.Warn("cleanup expired sessions", "error", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.VariantStandard)
	}

	aiClient := ai.New(
		v.GetString("ai-url"),
		v.GetString("ai-key"),
		v.GetString("vision-model"),
		v.GetString("scoring-model"),
		prompts.Variant(promptVariant),
	)
	if err := aiClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("AI health check: %w", err)
	}
	slog.Info("AI endpoint OK",
		"url", v.GetString("ai-url"),
		"vision_model", v.GetString("vision-model"),
		"scoring_model", v.GetString("scoring-model"))

	cfg := model.ServerConfig{
		DataDir:       v.GetString("data-dir"),
		Window:        v.GetInt("window"),
		PromptVariant: promptVariant,
		SecureCookies: v.GetBool("secure-cookies"),
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	orch := grader.New(db, aiClient, aiClient, cfg.Window)
	h := handler.New(db, orch, cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"data_dir", cfg.DataDir,
		"window", cfg.Window,
		"prompt_variant", promptVariant,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	schemaID := v.GetInt64("schema-id")
	schema, err := db.GetSchema(schemaID)
	if err != nil {
		return fmt.Errorf("get schema %d: %w", schemaID, err)
	}
	subs, err := db.ListExportable(schemaID)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}

	data, err := export.BuildCSV(schema, subs)
	if err != nil {
		return fmt.Errorf("build CSV: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported submissions", "schema", schemaID, "rows", len(subs))

	return nil
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PAPERGRADER_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
