package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdrivas/roon-rd/internal/roon"
	"github.com/jdrivas/roon-rd/internal/state"
)

func newInteractiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Open an interactive shell against the core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)

			rt, err := newRuntime(false)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			rt.waitForCore(10 * time.Second)
			return runInteractive(rt.syncer)
		},
	}
}

func runInteractive(syncer *state.Syncer) error {
	fmt.Println()
	fmt.Println("  roon-rd interactive. Type 'help' for commands, 'quit' to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "quit", "exit", "q":
			return nil
		case "help", "h", "?":
			printInteractiveHelp()
		case "status":
			printStatus(syncer.CurrentState())
		case "zones":
			printZones(syncer.CurrentState())
		case "now-playing", "np":
			printNowPlaying(syncer.CurrentState())
		case "queue":
			runQueueCommand(syncer, args)
		case "play", "pause", "stop", "previous", "next":
			runTransportCommand(syncer, cmd, args)
		default:
			fmt.Printf("  Unknown command %q. Type 'help' for commands.\n", cmd)
		}
	}
}

func printInteractiveHelp() {
	fmt.Println()
	fmt.Println("  status              connection status")
	fmt.Println("  zones               list zones and outputs")
	fmt.Println("  now-playing         show what each zone is playing")
	fmt.Println("  queue ZONE          show the queue for a zone")
	fmt.Println("  play ZONE           start playback in a zone")
	fmt.Println("  pause ZONE          pause a zone")
	fmt.Println("  stop ZONE           stop a zone")
	fmt.Println("  previous ZONE       skip to the previous track")
	fmt.Println("  next ZONE           skip to the next track")
	fmt.Println("  quit                leave the shell")
	fmt.Println()
}

// resolveZone accepts either a zone id or a case-insensitive display name.
func resolveZone(snap state.Snapshot, arg string) (roon.Zone, bool) {
	if z, ok := snap.Zone(arg); ok {
		return z, true
	}
	for _, z := range snap.Zones {
		if strings.EqualFold(z.DisplayName, arg) {
			return z, true
		}
	}
	return roon.Zone{}, false
}

func runQueueCommand(syncer *state.Syncer, args []string) {
	if len(args) != 1 {
		fmt.Println("  Usage: queue ZONE")
		return
	}

	zone, ok := resolveZone(syncer.CurrentState(), args[0])
	if !ok {
		fmt.Printf("  No zone matching %q.\n", args[0])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := syncer.RequestQueue(ctx, zone.ZoneID); err != nil {
		fmt.Printf("  Queue unavailable: %v\n", err)
		return
	}

	snap := syncer.CurrentState()
	if snap.QueueZoneID != zone.ZoneID {
		fmt.Println("  Queue was taken over by another request.")
		return
	}
	fmt.Print(formatQueue(zone, snap.Queue))
}

func runTransportCommand(syncer *state.Syncer, name string, args []string) {
	if len(args) != 1 {
		fmt.Printf("  Usage: %s ZONE\n", name)
		return
	}

	zone, ok := resolveZone(syncer.CurrentState(), args[0])
	if !ok {
		fmt.Printf("  No zone matching %q.\n", args[0])
		return
	}

	action, ok := roon.ParseControl(name)
	if !ok {
		fmt.Printf("  Unknown action %q.\n", name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := syncer.Control(ctx, zone.ZoneID, action); err != nil {
		fmt.Printf("  Command failed: %v\n", err)
		return
	}
	fmt.Printf("  %s → %s\n", name, zone.DisplayName)
}
