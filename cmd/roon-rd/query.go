package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdrivas/roon-rd/internal/roon"
	"github.com/jdrivas/roon-rd/internal/state"
)

const progressBarWidth = 20

func newQueryCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "query TYPE",
		Short:     "Query the core once: status, zones, or now-playing",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"status", "zones", "now-playing"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)

			rt, err := newRuntime(false)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			rt.waitForCore(timeout)
			return runQuery(rt.syncer, args[0])
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the core before reporting")
	return cmd
}

func runQuery(syncer *state.Syncer, queryType string) error {
	switch queryType {
	case "status":
		printStatus(syncer.CurrentState())
	case "zones":
		printZones(syncer.CurrentState())
	case "now-playing":
		printNowPlaying(syncer.CurrentState())
	default:
		return fmt.Errorf("unknown query type %q (want status, zones, or now-playing)", queryType)
	}
	return nil
}

func printStatus(snap state.Snapshot) {
	fmt.Println()
	if snap.Connected {
		fmt.Println("  Status: Connected")
		if snap.CoreName != "" {
			fmt.Printf("  Core:   %s\n", snap.CoreName)
		}
	} else {
		fmt.Println("  Status: Not connected")
		fmt.Println()
		fmt.Println("  Authorize the extension in Roon Settings > Extensions")
	}
	fmt.Println()
}

func printZones(snap state.Snapshot) {
	if len(snap.Zones) == 0 {
		fmt.Println()
		fmt.Println("  No zones found.")
		if !snap.Connected {
			fmt.Println("  Not connected to the core. Please authorize the extension.")
		} else {
			fmt.Println("  Connected but no active zones.")
		}
		fmt.Println()
		return
	}

	fmt.Println()
	for _, zone := range snap.Zones {
		fmt.Printf("  %s (%s)\n", zone.DisplayName, zone.State)
		fmt.Printf("    ID: %s\n", zone.ZoneID)
		for _, output := range zone.Outputs {
			if output.DisplayName != zone.DisplayName {
				fmt.Printf("    └─ %s\n", output.DisplayName)
			}
		}
	}
	fmt.Println()
}

func printNowPlaying(snap state.Snapshot) {
	if len(snap.Zones) == 0 {
		fmt.Println()
		fmt.Println("  No zones found.")
		if !snap.Connected {
			fmt.Println("  Not connected to the core. Please authorize the extension.")
		}
		fmt.Println()
		return
	}

	playing := 0
	fmt.Println()
	for _, zone := range snap.Zones {
		np := zone.NowPlaying
		if np == nil {
			continue
		}
		playing++

		fmt.Printf("  %s (%s)\n", zone.DisplayName, zone.State)
		fmt.Println("  ─────────────────────────────────────")
		fmt.Printf("    %s\n", np.Track)
		if np.Artist != "" {
			fmt.Printf("    %s\n", np.Artist)
		}
		if np.Album != "" {
			fmt.Printf("    %s\n", np.Album)
		}
		if np.LengthSec > 0 {
			fmt.Println()
			fmt.Printf("    %s %s / %s\n",
				progressBar(np.SeekPosition, np.LengthSec),
				formatDuration(np.SeekPosition),
				formatDuration(np.LengthSec))
		}
		fmt.Println()
	}

	if playing == 0 {
		fmt.Println("  Nothing playing.")
		fmt.Println()
	}
}

func progressBar(position, length int) string {
	filled := 0
	if length > 0 {
		filled = position * progressBarWidth / length
	}
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("━", filled) + strings.Repeat("─", progressBarWidth-filled)
}

// formatDuration renders seconds as m:ss.
func formatDuration(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// formatQueue renders the resident queue for the interactive shell.
func formatQueue(zone roon.Zone, items []roon.QueueItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n  Queue for %s (%d items)\n", zone.DisplayName, len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "    %2d. %s", item.Position+1, item.Track)
		if item.Artist != "" {
			fmt.Fprintf(&b, " - %s", item.Artist)
		}
		if item.LengthSec > 0 {
			fmt.Fprintf(&b, " (%s)", formatDuration(item.LengthSec))
		}
		b.WriteString("\n")
	}
	return b.String()
}
