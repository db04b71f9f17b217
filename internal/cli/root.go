package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/controller"
	"github.com/lucasnoah/stagegate/internal/store"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// EnvSession names the session when --session is not given.
const EnvSession = "STAGEGATE_SESSION"

var (
	configFile   string
	logLevelFlag string
	storeFlag    string
	sessionFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "stagegate",
	Short: "Stage pipeline orchestration for agent workers",
	Long: `stagegate classifies a task into a DAG of stages, tracks which worker holds
which stage, reads pass/fail decisions out of worker output, joins parallel
stages at barriers, rolls failures back to the right dev stage, and gates
project writes so only the stage that owns them may make them.

State lives in ~/.stagegate/ (JSON files or badger, see store.backend).
The host agent calls this CLI through its tool hooks (see "hooks install").`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code other than 1.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to stagegate.yaml (default: search $STAGEGATE_CONFIG, ./stagegate.yaml, ~/.stagegate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "store backend: file, badger or memory")
	rootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "session id (default $"+EnvSession+")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(delegateCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(canProceedCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(crashCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(briefCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(hooksCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		config.LoadDotEnv()
		cfg, err = config.Load(configFile)
		if err == nil {
			config.ApplyEnv(cfg)
		}
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if storeFlag != "" {
		cfg.Store.Backend = storeFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newController loads config, opens the store and builds a controller. The
// returned cleanup closes the store.
func newController(cmd *cobra.Command) (*controller.Controller, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, nil, fmt.Errorf("invalid config: %s (run \"stagegate config validate\")", errs[0])
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	dir, err := cfg.StoreDir()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(cfg.Store.Backend, dir, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	ctl, err := controller.New(controller.Options{Store: st, Config: cfg, Logger: logger})
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}
	return ctl, cfg, cleanup, nil
}

func requireSession() (string, error) {
	s := sessionFlag
	if s == "" {
		s = os.Getenv(EnvSession)
	}
	if s == "" {
		return "", fmt.Errorf("--session is required (or set %s)", EnvSession)
	}
	return s, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func jsonFormat(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

// readInput returns the text of --file, "-" meaning stdin, or the joined args.
func readInput(cmd *cobra.Command, file string, args []string) (string, error) {
	switch file {
	case "":
		return strings.Join(args, " "), nil
	case "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return string(data), nil
}
