package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"example.com/httpfileserver/internal/config"
	"example.com/httpfileserver/internal/handlers/staticfile"
	"example.com/httpfileserver/internal/logger"
	"example.com/httpfileserver/internal/server"
)

type serveCommand struct {
	configPath string
	address    string
	root       string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	c := &serveCommand{}
	cmd := &cobra.Command{
		Use:           "httpfileserver",
		Short:         "Serve files and directory listings from a local directory over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.run,
	}
	f := cmd.Flags()
	f.StringVarP(&c.configPath, "config", "c", "", "path to a JSON, TOML or YAML configuration file")
	f.StringVarP(&c.address, "address", "a", "", "listen address (host:port), overrides server.address")
	f.StringVarP(&c.root, "root", "r", "", "document root, overrides file_server.document_root")
	f.StringVarP(&c.logLevel, "log-level", "l", "", "DEBUG, INFO, WARNING or ERROR, overrides logging.log_level")
	return cmd
}

// loadConfig reads the config file, or builds the defaults when none is
// given, then applies command-line overrides and validates the result.
func (c *serveCommand) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadConfig(c.configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if c.address != "" {
		cfg.Server.Address = &c.address
	}
	if c.root != "" {
		abs, err := filepath.Abs(c.root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve document root %s: %w", c.root, err)
		}
		cfg.FileServer.DocumentRoot = abs
	}
	if c.logLevel != "" {
		cfg.Logging.LogLevel = config.LogLevel(c.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *serveCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing log files during shutdown: %v\n", err)
		}
	}()

	dispatcher, err := staticfile.NewDispatcher(cfg.FileServer, lg)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	srv, err := server.NewServer(cfg, lg, dispatcher)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	lg.Info("Starting file server", logger.LogFields{
		"address":       *cfg.Server.Address,
		"document_root": dispatcher.Root(),
		"config":        cfg.OriginalFilePath,
	})
	if err := srv.Run(cmd.Context()); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Server stopped", nil)
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
