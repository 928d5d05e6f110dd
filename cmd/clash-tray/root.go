package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"clash-tray/internal/core"
)

const (
	appName = "clash-tray"
	// annotationNoConfig marks commands that run without loading settings.
	annotationNoConfig = "clash-tray/no-config"
	// annotationWorker marks the privileged worker, which logs to the -daemon file.
	annotationWorker = "clash-tray/worker"
)

// RootOptions holds global flags and the settings they resolve to.
type RootOptions struct {
	WorkDir    string
	ConfigPath string
	LogLevel   string

	// Set by the persistent pre-run hook.
	BaseDir string
	Config  core.Config
	logFile *os.File
}

// NewRootCommand creates the clash-tray command tree. Without a subcommand
// it runs the host.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Clash Tray - keeps a Clash engine running with a synchronized config",
		Long:          "Runs the Clash proxy engine directly or through an elevated service or scheduled task, keeps its active config in sync with a local file or a subscription, and hot-reloads it on change.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.WorkDir != "" {
				if err := os.Chdir(opts.WorkDir); err != nil {
					return fmt.Errorf("change directory to %s: %w", opts.WorkDir, err)
				}
			}
			if cmd.Annotations[annotationNoConfig] != "" {
				return nil
			}
			return opts.load(cmd.Annotations[annotationWorker] != "")
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.WorkDir, "cd", "", "working directory to switch to before anything else")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "clash-tray.yaml", "settings file, relative to the working directory")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(NewRunEngineCommand(opts))
	cmd.AddCommand(NewInstallServiceCommand(opts))
	cmd.AddCommand(NewUninstallServiceCommand(opts))
	cmd.AddCommand(NewInstallTaskCommand(opts))
	cmd.AddCommand(NewUninstallTaskCommand(opts))
	cmd.AddCommand(NewReloadCommand(opts))
	cmd.AddCommand(NewEngineVersionCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// load reads the settings file, resolves paths against the working directory
// and configures the global logger.
func (o *RootOptions) load(worker bool) error {
	baseDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	o.BaseDir = baseDir

	path := o.ConfigPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return err
	}
	cfg = cfg.Resolve(baseDir)
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if worker && cfg.Logging.File != "" {
		cfg.Logging.File = daemonLogPath(cfg.Logging.File)
	}
	o.Config = cfg

	core.Log.Configure(cfg.Logging)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		o.logFile = f
		core.Log.SetOutput(io.MultiWriter(f, os.Stderr), true)
	}
	return nil
}

func (o *RootOptions) close() error {
	if o.logFile == nil {
		return nil
	}
	core.Log.SetOutput(os.Stderr, false)
	err := o.logFile.Close()
	o.logFile = nil
	return err
}

// daemonLogPath turns "logs/clash-tray.log" into "logs/clash-tray-daemon.log".
func daemonLogPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-daemon" + ext
}

// NewVersionCommand prints build info.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit=%s, built=%s)\n", appName, version, commit, buildDate)
		},
	}
}
