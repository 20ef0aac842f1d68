// Command taskjail turns plain-language data tasks into sandboxed programs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhangyunhao116/taskjail"
	"github.com/zhangyunhao116/taskjail/internal/settings"
	"github.com/zhangyunhao116/taskjail/oracle"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	jailRoot   string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "taskjail",
	Short: "Run plain-language data tasks as sandboxed programs",
	Long: `taskjail asks a language model for a small program that performs a task,
checks the program against a fixed policy, and runs it inside a sandbox
confined to one data directory. Failed programs are repaired within a
bounded number of attempts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML settings file")
	rootCmd.PersistentFlags().StringVar(&jailRoot, "jail", "", "Data directory tasks are confined to (overrides settings)")

	rootCmd.AddCommand(serveCmd, runCmd, readCmd, checkCmd, versionCmd)
}

func main() {
	if taskjail.MaybeChildInit() {
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings reads --config and applies --jail.
func loadSettings() (*settings.Settings, error) {
	s, err := settings.Load(configPath)
	if err != nil {
		return nil, err
	}
	if jailRoot != "" {
		s.JailRoot = jailRoot
	}
	return s, nil
}

// newOrchestrator wires the oracle, synthesizer and executor described by s.
func newOrchestrator(s *settings.Settings) (*taskjail.Orchestrator, error) {
	cfg, err := s.Config(logger)
	if err != nil {
		return nil, err
	}
	o, err := oracle.New(s.OracleConfig(logger))
	if err != nil {
		return nil, err
	}
	ex, err := taskjail.NewExecutor(cfg)
	if err != nil {
		return nil, err
	}
	return taskjail.NewOrchestrator(cfg, taskjail.NewSynthesizer(o), ex)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "taskjail", version)
	},
}
