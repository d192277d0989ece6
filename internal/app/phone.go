// Package app contains the top-level orchestration for the phone and relay
// roles.
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/pterm/pterm"

	"github.com/1ureka/ringline/internal/call"
	"github.com/1ureka/ringline/internal/config"
	"github.com/1ureka/ringline/internal/media"
	"github.com/1ureka/ringline/internal/negotiation"
	"github.com/1ureka/ringline/internal/signaling"
	"github.com/1ureka/ringline/internal/transport"
	"github.com/1ureka/ringline/internal/util"
)

// RunPhone orchestrates the full phone lifecycle:
//  1. Register with the relay
//  2. Build the media manager and the peer connection factory
//  3. Start the call state machine
//  4. Execute console commands until shutdown or relay loss
func RunPhone(ctx context.Context, cfg config.Config, in io.Reader) error {
	// ── 1. Register ────────────────────────────────────────────────────
	client, err := signaling.Dial(ctx, cfg.RelayURL, cfg.Number)
	if err != nil {
		return err
	}
	defer client.Close()

	// ── 2. Media and transport ─────────────────────────────────────────
	mm := media.NewManager(newCapturer(cfg), newSink(cfg))

	peerCfg := transport.Config{
		ICEServers:          cfg.ICEServers,
		DisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		FailedTimeout:       cfg.ICEFailedTimeout,
	}
	factory := func() (negotiation.PeerConnection, error) {
		p, err := transport.NewPeer(peerCfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	// ── 3. Call state machine ──────────────────────────────────────────
	machine := call.New(call.Config{
		DialTimeout:    cfg.DialTimeout,
		ResetDelay:     cfg.ResetDelay,
		RestartTimeout: cfg.RestartTimeout,
	}, client, mm, factory, consoleObserver{})
	defer machine.Close()

	util.StartStatsReporter(ctx)
	printBanner(client.Number(), cfg.RelayURL)

	// ── 4. Console ─────────────────────────────────────────────────────
	consoleCtx, stopConsole := context.WithCancel(ctx)
	defer stopConsole()
	lines := readLines(consoleCtx, in)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-client.Done():
			if err := client.Err(); err != nil {
				return fmt.Errorf("relay connection lost: %w", err)
			}
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execute(machine, line)
			if err != nil {
				util.LogWarning("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func newCapturer(cfg config.Config) media.Capturer {
	if cfg.AudioFile != "" {
		return media.OggFileCapturer{Path: cfg.AudioFile}
	}
	return media.SilenceCapturer{}
}

func newSink(cfg config.Config) media.Sink {
	if cfg.RecordDir != "" {
		return media.OggRecorderSink{Dir: cfg.RecordDir}
	}
	return media.DiscardSink{}
}

// readLines feeds console lines into a channel, closed at EOF or when ctx is
// cancelled.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func printBanner(number, relayURL string) {
	pterm.Println()
	pterm.DefaultBox.WithTitle("Ringline").Println(
		fmt.Sprintf("Number : %s\nRelay  : %s", number, relayURL),
	)
	pterm.Println()
	pterm.Info.Println("Type 'help' for commands.")
}
