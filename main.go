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

	"github.com/duoroom/duoroom/internal/app"
	"github.com/duoroom/duoroom/internal/config"
	"github.com/duoroom/duoroom/internal/roomcode"
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
		fmt.Printf("duoroom v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "new":
		runNew()

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires a peer directory and a room token")
			fmt.Fprintln(os.Stderr, "Usage: duoroom join <peer-directory> <room-token>")
			os.Exit(1)
		}
		runJoin(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

// runNew mints a fresh room and prints the two tokens, one per party.
func runNew() {
	pair := roomcode.GeneratePair()
	fmt.Println("Room created. Give one token to each party:")
	fmt.Println()
	fmt.Printf("  you:          %s\n", pair.Token1)
	fmt.Printf("  your partner: %s\n", pair.Token2)
	fmt.Println()
	fmt.Println("Join with: duoroom join <peer-directory> <token>")
}

func runJoin(peerDir, token string) {
	if err := roomcode.Validate(token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	absDir, err := filepath.Abs(peerDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid directory path: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create directory: %v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(absDir, "duoroom.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		log.Printf("MAIN: wrote default config to %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("MAIN: shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Token:   token,
	}); err != nil {
		log.Fatalf("MAIN: %v", err)
	}
}

func showUsage() {
	fmt.Printf(`duoroom v%s — anonymous two-party room chat

Usage:
  duoroom new                                Mint a room and print both tokens
  duoroom join <peer-directory> <room-token> Join a room and serve the local UI

Options:
  -h          Show this help
  -version    Show version

The peer directory holds the config file (duoroom.json), the message store
and uploaded media. Each party uses its own directory and its own token;
the two tokens of a room share the first three groups and differ in the
trailing 1 or 2.
`, appVersion)
}
