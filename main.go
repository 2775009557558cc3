// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/okale/convo/internal/config"
)

var (
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
	tokenFlag  = flag.String("token", "", "Session token (overrides CONVO_TOKEN)")
	configFlag = flag.String("config", "", "Path to convo.json (default: <dir>/convo.json)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("convo v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	dir := "."
	if args := flag.Args(); len(args) > 0 {
		dir = args[0]
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid directory: %v\n", err)
		os.Exit(1)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fmt.Fprintf(os.Stderr, "Directory does not exist: %s\n", absDir)
		os.Exit(1)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = filepath.Join(absDir, "convo.json")
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("CONVO_TOKEN")
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No session token: pass -token or set CONVO_TOKEN")
		os.Exit(1)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	app := newApp(cfgPath, cfg, token)
	if err := app.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "convo: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("convo - terminal messaging client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  convo [options] [directory]")
	fmt.Println()
	fmt.Println("The directory holds convo.json (created with defaults if missing)")
	fmt.Println("and the local history cache.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h             Show this help message")
	fmt.Println("  -version       Show version information")
	fmt.Println("  -token <t>     Session token (or set CONVO_TOKEN)")
	fmt.Println("  -config <p>    Explicit config file path")
	fmt.Println()
	fmt.Println("Inside the client, type /help for commands.")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("convo")
	fmt.Printf("Config:  %s\n", cfgPath)
	fmt.Printf("Backend: %s\n", cfg.Server.APIURL)
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println()
}
