package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"labtracker/internal/app"
)

var version = "dev"

func main() {
	var (
		cfgPath    string
		sourcesDir string
		stateDSN   string
		dryRun     bool
		showVer    bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (yaml or json)")
	flag.StringVar(&sourcesDir, "sources", "", "directory of source definitions (overrides config)")
	flag.StringVar(&stateDSN, "state", "", "state DSN, e.g. sqlite:.state/tracker.db (overrides config)")
	flag.BoolVar(&dryRun, "dry-run", false, "log notifications instead of sending them")
	flag.BoolVar(&showVer, "version", false, "print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println("tracker", version)
		return
	}

	// .env files are optional; real environment variables win.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{
		ConfigPath: cfgPath,
		SourcesDir: sourcesDir,
		StateDSN:   stateDSN,
		DryRun:     dryRun,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	_ = a.Close()
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	}
}
