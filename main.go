// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/lovelink/internal/app"
	"github.com/petervdpas/lovelink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("lovelink v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		user := fs.String("user", "", "User id for a new config file")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: lovelink serve [-user id] <node-directory>")
			os.Exit(1)
		}
		runServe(fs.Arg(0), *user)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServe(nodeDirArg, userID string) {
	absDir, err := filepath.Abs(nodeDirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create node directory: %v", err)
	}

	if err := config.LoadEnv(absDir); err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath, userID)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Starting node... (Press Ctrl+C to stop)")

	if err := app.Run(ctx, app.Options{
		NodeDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("lovelink - calls, streaks and shared dates for couples")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lovelink serve [-user id] <directory>   Run one user's node")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Run a node from the specified directory")
	fmt.Println("        A lovelink.json is created on first run; -user sets its user id")
	fmt.Println("        LOVELINK_* variables, also read from <directory>/.env, override it")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Two partners on one redis server")
	fmt.Println("  LOVELINK_STORE_BACKEND=redis lovelink serve -user alice ./nodes/alice")
	fmt.Println("  LOVELINK_STORE_BACKEND=redis LOVELINK_HTTP_ADDR=127.0.0.1:8791 lovelink serve -user bob ./nodes/bob")
}
