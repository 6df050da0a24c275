// Command fhcctl runs one-shot maintenance tasks against the configured
// sample store: syncing the board to the snapshot file, purging old samples,
// enqueueing jobs and printing a reconciled timeline.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"

	"FHCElite/internal/di"
	"FHCElite/pkg/config"
)

type globals struct {
	configPath string
	envFile    string
}

func (g *globals) toolkit() (*di.Toolkit, error) {
	if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg, err := config.LoadWithEnv(g.configPath)
	if err != nil {
		return nil, err
	}
	return di.InitializeToolkit(cfg)
}

func main() {
	g := &globals{}
	flag.StringVar(&g.configPath, "config", "config/config.yaml", "config file path")
	flag.StringVar(&g.envFile, "env", ".env", "dotenv file, ignored when missing")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&syncCmd{g: g}, "data")
	commander.Register(&timelineCmd{g: g}, "data")
	commander.Register(&purgeCmd{g: g}, "maintenance")
	commander.Register(&enqueueCmd{g: g}, "maintenance")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}
