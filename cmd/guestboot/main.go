package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/guestboot/config"
	"github.com/cochaviz/guestboot/internal/boot"
	"github.com/cochaviz/guestboot/internal/entropy"
	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/setup"
	"github.com/cochaviz/guestboot/internal/system"
)

const defaultLogLevel = "info"

const (
	exitFailure      = 1
	exitNoController = 2
	exitInterrupted  = 130
)

// exitError carries a specific exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// cli holds the state shared by every command once flags are parsed.
type cli struct {
	logger     *slog.Logger
	levelVar   *slog.LevelVar
	configPath string
	closeLog   func() error
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	state := &cli{
		logger:   logging.NewCLI(os.Stderr, &levelVar),
		levelVar: &levelVar,
		closeLog: func() error { return nil },
	}
	slog.SetDefault(state.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(state)
	code := 0
	if err := root.ExecuteContext(ctx); err != nil {
		code = exitCode(state.logger, err)
	}
	state.closeLog()
	if code != 0 {
		os.Exit(code)
	}
}

func exitCode(logger *slog.Logger, err error) int {
	var exitErr *exitError
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("command interrupted", "error", err)
		return exitInterrupted
	case errors.As(err, &exitErr):
		logger.Error("command finished with failures", "error", err)
		return exitErr.code
	default:
		logger.Error("command execution failed", "error", err)
		return exitFailure
	}
}

func newRootCommand(state *cli) *cobra.Command {
	var (
		logLevel  string
		logFormat string
		console   string
	)

	root := &cobra.Command{
		Use:           "guestboot",
		Short:         "Boot orchestrator for benchmark guest instances",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&console, "console", logging.DefaultConsole, "Device diagnostics are written to (stderr when it cannot be opened)")
	root.PersistentFlags().StringVar(&state.configPath, "config", config.DefaultConfigPath, "Path to YAML configuration overrides")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		state.levelVar.Set(level)

		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		var w io.Writer
		w, state.closeLog = logging.OpenConsole(console, cmd.ErrOrStderr())
		state.logger = logging.New(mode, w, state.levelVar)
		slog.SetDefault(state.logger)
		setup.SetLogger(state.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newRunCommand(state),
		newPlanCommand(state),
		newFlagsCommand(state),
		newIfupCommand(state),
		newHostKeysCommand(state),
		newSeedCommand(state),
		newCheckCommand(state),
	)
	return root
}

func (c *cli) loadConfig() (setup.Config, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return setup.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newRunCommand(state *cli) *cobra.Command {
	var selection boot.Selection

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the boot sequence and hand the console to a login session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := state.logger.With("command", "run")
			if err := selection.Validate(); err != nil {
				return err
			}
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			report, err := config.Boot(cmd.Context(), cfg, selection, cmdLogger)
			if err != nil {
				if errors.Is(err, system.ErrNoControllingProcess) {
					return &exitError{code: exitNoController, err: err}
				}
				return err
			}
			if report.Broken() {
				return &exitError{code: exitFailure, err: fmt.Errorf("boot %s broken: %d fatal steps", report.BootID, report.Count(boot.Fatal))}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&selection.Only, "only", nil, "Run only these steps (comma separated)")
	cmd.Flags().StringSliceVar(&selection.Skip, "skip", nil, "Skip these steps (comma separated)")

	return cmd
}

func newPlanCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the boot steps in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, step := range config.Plan(cfg) {
				fmt.Fprintf(out, "%2d  %-12s  %s\n", i+1, step.Name, step.Description)
			}
			return nil
		},
	}
}

func newFlagsCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "Print the boot flags as the boot sequence would read them",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := config.Flags()
			state.logger.Debug("read boot flags", "flags", flags)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "skip_entropy\t%t\n", flags.SkipEntropy)
			fmt.Fprintf(out, "skip_sshd\t%t\n", flags.SkipSSHD)
			return nil
		},
	}
}

func newIfupCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ifup [iface...]",
		Short: "Configure the candidate network interfaces that exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := state.logger.With("command", "ifup")
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			results, err := config.ConfigureInterfaces(cmd.Context(), cfg, args, cmdLogger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, result := range results {
				if result.Err != nil {
					failed++
					fmt.Fprintf(out, "%s\t%s\t%v\n", result.Name, result.Outcome, result.Err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", result.Name, result.Outcome)
			}
			if failed > 0 {
				return fmt.Errorf("%d interfaces failed", failed)
			}
			return nil
		},
	}
}

func newHostKeysCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "hostkeys",
		Short: "Generate missing SSH host keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := state.logger.With("command", "hostkeys")
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var errs []error
			for _, result := range config.ProvisionKeys(cfg, cmdLogger) {
				if result.Err != nil {
					errs = append(errs, result.Err)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", result.Algorithm, result.Status, result.Path, result.Fingerprint)
			}
			return errors.Join(errs...)
		},
	}
}

func newSeedCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Feed saved entropy into the randomness device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := state.logger.With("command", "seed")
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			results, err := config.Seed(cfg, cmdLogger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var errs []error
			for _, result := range results {
				switch result.Status {
				case entropy.Failed:
					errs = append(errs, result.Err)
					fmt.Fprintf(out, "%s\t%s\t%v\n", result.Path, result.Status, result.Err)
				case entropy.Skipped:
					fmt.Fprintf(out, "%s\t%s\t%s\n", result.Path, result.Status, result.Reason)
				default:
					fmt.Fprintf(out, "%s\t%s\t%d\n", result.Path, result.Status, result.Bytes)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func newCheckCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and report missing files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := state.logger.With("command", "check")
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			problems := config.Check(cfg)
			for _, problem := range problems {
				cmdLogger.Warn("configuration problem", "error", problem)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d configuration problems", len(problems))
			}
			cmdLogger.Info("configuration ok", "path", state.configPath)
			return nil
		},
	}
}
