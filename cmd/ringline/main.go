// Ringline CLI entry point.
//
// This tool places and receives two-party voice calls over WebRTC. Phones
// register a number with a WebSocket relay, which only carries call control;
// audio flows peer to peer once the call is connected.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -relay, -number, -listen, -audio, -record, -ice).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/ringline/internal/app"
	"github.com/1ureka/ringline/internal/config"
	"github.com/1ureka/ringline/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	role := flag.String("role", "", "Role: phone or relay")
	relayFlag := flag.String("relay", "", "Relay WebSocket URL (phone only)")
	flag.StringVar(&cfg.Number, "number", "", "Number to register; empty lets the relay assign one (phone only)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to serve the relay on (relay only)")
	flag.StringVar(&cfg.AudioFile, "audio", "", "Ogg/Opus file to send as microphone audio (phone only)")
	flag.StringVar(&cfg.RecordDir, "record", "", "Directory to record remote audio into (phone only)")
	iceFlag := flag.String("ice", "", "Comma-separated STUN/TURN URLs (phone only)")
	flag.DurationVar(&cfg.DialTimeout, "dialTimeout", cfg.DialTimeout, "How long to ring before giving up (phone only)")
	flag.DurationVar(&cfg.RestartTimeout, "restartTimeout", cfg.RestartTimeout, "How long an ICE restart may take to reconnect (phone only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *iceFlag != "" {
		for _, s := range strings.Split(*iceFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ICEServers = append(cfg.ICEServers, s)
			}
		}
	}

	pterm.Info.Println(fmt.Sprintf("Ringline v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case string(config.RoleRelay):
		cfg.Role = config.RoleRelay
		runRelay(ctx, cfg)

	case string(config.RolePhone):
		cfg.Role = config.RolePhone
		if *relayFlag != "" {
			wsURL, err := normalizeWSURL(*relayFlag)
			if err != nil {
				util.LogError("%v", err)
				os.Exit(1)
			}
			cfg.RelayURL = wsURL
		}
		runPhone(ctx, cfg)

	default:
		util.LogError("invalid -role: must be 'phone' or 'relay'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and its settings when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Phone: make and receive calls", "Relay: route calls between phones"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Relay") {
		cfg.Role = config.RoleRelay
		runRelay(ctx, cfg)
		return
	}

	cfg.Role = config.RolePhone
	cfg.RelayURL = askURL()
	cfg.Number = askNumber()
	runPhone(ctx, cfg)
}

// runRelay executes the relay role.
func runRelay(ctx context.Context, cfg config.Config) {
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := app.RunRelay(ctx, cfg); err != nil {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay closed")
}

// runPhone executes the phone role.
func runPhone(ctx context.Context, cfg config.Config) {
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := app.RunPhone(ctx, cfg, os.Stdin); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("hung up, bye")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL turns a host, host:port or URL into the relay's /ws
// endpoint. A bare host defaults to wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://127.0.0.1:8080/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askNumber prompts for the number to register. Empty means assigned.
func askNumber() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your number (leave empty to get one)").
			Show()

		number := strings.TrimSpace(raw)
		if number == "" || config.ValidNumber(number) {
			pterm.Println()
			return number
		}

		util.LogWarning("invalid number: digits, * and # only")
		pterm.Println()
	}
}
