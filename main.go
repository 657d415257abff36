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
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/media"
	sig "github.com/huddlekit/huddle/internal/signal"
	"github.com/huddlekit/huddle/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	noVideo  = flag.Bool("no-video", false, "Join without camera")
	noAudio  = flag.Bool("no-audio", false, "Join without microphone")
	name     = flag.String("name", "", "Display name (overrides config)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Error: huddle requires a peer directory and a room id")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
	runPeer(args[0], args[1])
}

func runPeer(peerDirArg, roomID string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config: %s", cfgPath)
	}
	if *name != "" {
		cfg.Profile.DisplayName = *name
	}

	printBanner(absDir, cfgPath, roomID, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	dev, err := media.NewDevice(cfg.Media)
	if err != nil {
		log.Fatalf("Media pipeline setup failed: %v", err)
	}

	var (
		transport sig.Transport
		selfID    string
	)
	switch cfg.Signaling.Mode {
	case "pubsub":
		ps, err := sig.NewPubSub(ctx, cfg.Signaling, util.ResolvePath(absDir, cfg.Identity.KeyFile))
		if err != nil {
			log.Fatalf("Signaling node failed: %v", err)
		}
		defer ps.Close()
		transport = ps
		selfID = ps.ID()
	case "websocket":
		transport = sig.NewRelay(cfg.Signaling)
		selfID = uuid.NewString()
	}

	self := sig.Identity{ID: selfID, Name: cfg.Profile.DisplayName}
	coord, err := call.New(cfg, transport, dev, self)
	if err != nil {
		log.Fatalf("Coordinator setup failed: %v", err)
	}

	go reportMediaErrors(coord)
	go reportRoom(coord)

	opts := call.JoinOptions{Video: !*noVideo, Audio: !*noAudio}
	if err := coord.JoinRoom(ctx, roomID, opts); err != nil {
		log.Fatalf("Join failed: %v", err)
	}

	<-sigCh
	log.Println("\nLeaving room...")
	coord.LeaveRoom()
}

// reportMediaErrors surfaces capture problems separately from call errors;
// the call keeps running receive-only.
func reportMediaErrors(coord *call.Coordinator) {
	for ce := range coord.MediaErrors() {
		log.Printf("Media unavailable (%s): %v", ce.Kind, ce.Err)
	}
}

// reportRoom prints the participant list whenever the room changes.
func reportRoom(coord *call.Coordinator) {
	ch := coord.SubscribeSnapshots()
	defer coord.UnsubscribeSnapshots(ch)
	for snap := range ch {
		var parts []string
		for _, p := range snap.Peers {
			label := p.DisplayName
			if label == "" {
				label = p.ID
			}
			state := p.ConnState
			if p.Failed {
				state = "failing"
			}
			parts = append(parts, fmt.Sprintf("%s(%s)", label, state))
		}
		if len(parts) == 0 {
			log.Printf("Room: just you")
			continue
		}
		log.Printf("Room: %s", strings.Join(parts, ", "))
	}
}

func showUsage() {
	fmt.Println("huddle - mesh video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle [options] <peer-directory> <room-id>")
	fmt.Println()
	fmt.Println("The peer directory holds huddle.json and the identity key;")
	fmt.Println("both are created on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println("  -no-video   Join without camera")
	fmt.Println("  -no-audio   Join without microphone")
	fmt.Println("  -name NAME  Display name for this session")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  huddle ./peers/alice room-9")
	fmt.Println("  huddle -no-video ./peers/alice standup")
}

func printBanner(peerDir, cfgPath, roomID string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────")
	fmt.Println(" huddle peer")
	fmt.Println("────────────────────────────────────────")
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Room:           %s\n", roomID)
	fmt.Printf("Display Name:   %s\n", cfg.Profile.DisplayName)
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Mode)
	if cfg.Signaling.Mode == "websocket" {
		fmt.Printf("Relay:          %s\n", cfg.Signaling.RelayURL)
	}
	fmt.Println()
	fmt.Println("Joining... (Press Ctrl+C to leave)")
	fmt.Println()
}
