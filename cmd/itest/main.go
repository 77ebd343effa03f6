package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/google/uuid"
	"github.com/jupyter/itest/internal/container"
	"github.com/jupyter/itest/internal/log"
	"github.com/jupyter/itest/internal/model"
	"github.com/jupyter/itest/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/itest on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	overrides      = newOverrides()

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	exitCode = service.ExitOK
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "itest")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is itest.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringP("browsers", "b", "Firefox", "browsers the tests run in")
	runCmd.Flags().BoolP("debug", "d", false, "run the tests in debug mode")
	if err := bindFlags(overrides, runCmd.Flags()); err != nil {
		panic(err)
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initItest

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("itest failed", "err", err)
		os.Exit(service.ExitStartupFailed)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:          "itest",
	Short:        "Runs integration tests against a notebook server",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the server, runs the test suite and stops the server",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an itest",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("itest: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("itest:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("itest",
		slog.String("cmd", "run"),
		slog.String("run_id", uuid.NewString()),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	var launcher service.ServerLauncher
	if config.Server.Mode == model.ServerModeContainer {
		launcher = container.NewLauncher(
			config.Server.Container,
			config.Server.Readiness,
			config.Server.StartupTimeoutDuration(),
			cmd.OutOrStdout(),
		)
	}

	supervisor, err := service.SupervisorFromConfig(ctx, config, launcher, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	exitCode = supervisor.Do(ctx)
	slog.DebugContext(ctx, "itest finished", "exit_code", exitCode)
	return nil
}

func initItest(cmd *cobra.Command, _ []string) error {
	configPath = lookupConfig(flagConfigFilePath)

	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
	} else {
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// flags and environment have a precedence over config file
	config = applyOverrides(overrides, config)
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("itest run", "configPath", configPath)
	slog.Debug("itest run", "config", config)
	return nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return model.LoadConfig(f)
}

// lookupConfig returns the config file to load: ITESTCONFIG, then the
// --config flag, then itest.yaml in the user config dir or in current
// directory. Empty string means schema defaults.
func lookupConfig(flagPath string) string {
	if envConfig, ok := os.LookupEnv("ITESTCONFIG"); ok && envConfig != "" {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, "itest.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
