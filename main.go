package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mysqlevp/internal/binlog"
	"mysqlevp/internal/checker"
	"mysqlevp/internal/config"
	"mysqlevp/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "config.yaml"

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func newRootCmd() *cobra.Command {
	var configPath string

	// A single positional argument is the config path, as in
	// "mysqlevp config.yaml".
	resolve := func(args []string) string {
		if len(args) == 1 {
			return args[0]
		}
		return configPath
	}

	root := &cobra.Command{
		Use:           "mysqlevp [config.yaml]",
		Short:         "Stream MySQL binlog row changes to handlers",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), resolve(args))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run [config.yaml]",
			Short: "Start streaming (default)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDaemon(cmd.Context(), resolve(args))
			},
		},
		&cobra.Command{
			Use:   "check [config.yaml]",
			Short: "Verify the MySQL connection, grants and binlog settings",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCheck(cmd.Context(), resolve(args))
			},
		},
		&cobra.Command{
			Use:   "position [config.yaml]",
			Short: "Print the stored checkpoint",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPosition(cmd, resolve(args))
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "mysqlevp "+version)
			},
		},
	)
	return root
}

func runDaemon(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return &configError{err}
	}
	defer logCloser.Close()

	logger.Infof("Starting mysqlevp %s", version)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	daemon, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("Startup failed: %v", err)
		return err
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof("Received signal: %v, finishing the current event...", sig)
			daemon.engine.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			logger.Warnf("Received second signal: %v, aborting", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := daemon.engine.Run(ctx)
	if err := daemon.Close(); err != nil {
		logger.Errorf("Shutdown: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("mysqlevp aborted")
		}
		return runErr
	}

	logger.Info("mysqlevp stopped")
	return nil
}

func runCheck(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return &configError{err}
	}
	defer logCloser.Close()

	db, err := binlog.OpenDB(binlogConfig(cfg.MySQL))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := checker.New(db, logger).Check(ctx); err != nil {
		return err
	}
	logger.Info("MySQL is ready for replication")
	return nil
}

func runPosition(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return &configError{err}
	}
	defer logCloser.Close()

	store, err := openStore(cfg.Binlog, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pos, err := store.Load()
	if err != nil {
		return err
	}
	if pos == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint stored")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pos.String())
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &configError{err}
	}
	return cfg, nil
}
