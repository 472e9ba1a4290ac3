package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shensi8312/design-institute-platform-sub001/internal/config"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// commandContext carries the flags shared by every command and the
// configuration they resolve to.
type commandContext struct {
	configPath string
	serverURL  string
	jsonOutput bool

	cfg *config.Config
}

func (c *commandContext) ensureConfig(opts ...config.Option) (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := c.configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.Load(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	level := log.ParseLevel(cfg.System.LogLevel)
	if cfg.System.LogFile != "" {
		fl, err := log.NewFileLogger(cfg.System.LogFile, level)
		if err != nil {
			return nil, err
		}
		log.SetLogger(fl.Logger)
	} else {
		log.InitLogger(level)
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "docpipeline",
		Short:         "Document processing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.serverURL, "server", "", "Base URL of a running server (default: derived from http.addr)")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOutput, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newProgressCommand(ctx))

	return rootCmd
}
