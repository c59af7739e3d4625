// Package app provides the shared command shell for Hearth binaries: flag
// registration, optional config file loading, logger initialization and
// signal handling.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hearth.io/hearth/pkg/log"
)

// Options is implemented by a binary's option struct.
type Options interface {
	// AddFlags registers the options as command-line flags.
	AddFlags(fs *pflag.FlagSet)

	// Complete fills in defaults that depend on other options.
	Complete() error

	// Validate checks the resolved options.
	Validate() error
}

// RunFunc is the entry point of a binary once options are resolved.
type RunFunc func(ctx context.Context) error

// App wraps a cobra command with the Hearth conventions.
type App struct {
	name  string
	short string
	desc  string
	opts  Options
	run   RunFunc
	log   *log.Options

	cmd *cobra.Command
}

type Option func(*App)

// WithDescription sets the long command description.
func WithDescription(desc string) Option {
	return func(a *App) { a.desc = desc }
}

// WithOptions attaches the binary's option struct.
func WithOptions(opts Options) Option {
	return func(a *App) { a.opts = opts }
}

// WithRunFunc sets the entry point.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.run = run }
}

// NewApp builds the command shell.
func NewApp(name, short string, options ...Option) *App {
	a := &App{
		name:  name,
		short: short,
		log:   log.NewOptions(),
	}
	for _, opt := range options {
		opt(a)
	}
	a.buildCommand()
	return a
}

func (a *App) buildCommand() {
	var configFile string

	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.short,
		Long:          a.desc,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := a.loadConfig(configFile, cmd.Flags()); err != nil {
					return fmt.Errorf("load config %s: %w", configFile, err)
				}
			}
			if a.opts != nil {
				if err := a.opts.Complete(); err != nil {
					return err
				}
				if err := a.opts.Validate(); err != nil {
					return err
				}
			}

			log.Init(a.log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if a.run == nil {
				return nil
			}
			return a.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to an optional YAML configuration file.")
	a.log.AddFlags(cmd.Flags())
	if a.opts != nil {
		a.opts.AddFlags(cmd.Flags())
	}

	a.cmd = cmd
}

// loadConfig applies config file values to flags that were not set on the
// command line. Keys match the flag names.
func (a *App) loadConfig(path string, fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		err = fs.Set(f.Name, v.GetString(f.Name))
	})
	return err
}

// Run executes the command, exiting the process on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", a.name, err)
		os.Exit(1)
	}
}
