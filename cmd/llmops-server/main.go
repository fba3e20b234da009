package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"llmops/internal/config"
	"llmops/internal/server/bootstrap"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

type options struct {
	host       string
	port       int
	envFile    string
	configFile string
}

func main() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "llmops-server",
		Short:         "HTTP server for chat, dataset and model APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.host, "host", "", "listen host (overrides config)")
	flags.IntVarP(&opts.port, "port", "p", 0, "listen port (overrides config)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "routes",
		Short: "Print the registered routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			cfg.Server.Mode = "release"
			app, err := bootstrap.Build(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			printRoutes(cmd.OutOrStdout(), app)
			return nil
		},
	})
	return root
}

// loadConfig reads configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		EnvFiles:   []string{opts.envFile},
		ConfigFile: opts.configFile,
	})
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() { _ = app.Close() }()

	addr, err := app.Listen()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", green("llmops-server listening on"), bold("http://"+addr.String()))
	for name, reason := range app.Degraded.Map() {
		fmt.Fprintf(out, "%s %s: %s\n", color.YellowString("degraded"), name, gray(reason))
	}
	return app.Serve(ctx)
}

func printRoutes(w io.Writer, app *bootstrap.App) {
	routes := app.Routes()
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	for _, route := range routes {
		fmt.Fprintf(w, "%s %s\n", cyan(fmt.Sprintf("%-7s", route.Method)), route.Path)
	}
}
