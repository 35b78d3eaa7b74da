package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"coherencebus/internal/types"
)

var (
	replayChannel    string
	replayFromOffset string
)

// busCmd inspects the stream broker
var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Inspect and replay bus channels",
}

var busStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show channel lengths, breaker states, and dead letters",
	RunE:  runBusStatus,
}

var busReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-read a channel's history from an offset",
	Long: `Reads channel entries outside any consumer group and prints them,
oldest first. Offsets are broker stream ids; 0 starts from the beginning.`,
	RunE: runBusReplay,
}

func init() {
	busReplayCmd.Flags().StringVar(&replayChannel, "channel", string(types.ChannelMutations), "Channel to replay")
	busReplayCmd.Flags().StringVar(&replayFromOffset, "from-offset", "0", "Offset to start from")
}

func runBusStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	breakers := newBreakers()
	client, err := connectBus(ctx, breakers)
	if err != nil {
		return err
	}
	defer client.Close()

	lengths, err := client.Lengths(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Channels")
	fmt.Println(strings.Repeat("─", 60))
	for _, ch := range types.Channels {
		bounds := cfg.ChannelFor(ch)
		n := lengths[ch]
		fill := float64(n) / float64(bounds.MaxLen) * 100
		fmt.Printf("  %-22s %7d / %-7d %5.1f%%\n", ch, n, bounds.MaxLen, fill)
	}

	fmt.Println("\nDead letters (pipeline group)")
	fmt.Println(strings.Repeat("─", 60))
	for _, ch := range types.Channels {
		dls, err := client.DeadLetters(ch, "pipeline")
		if err != nil {
			return err
		}
		if len(dls) == 0 {
			continue
		}
		fmt.Printf("  %-22s %d\n", ch, len(dls))
		for _, dl := range dls {
			fmt.Printf("    %s (deliveries %d): %s\n", dl.MessageID, dl.DeliveryCount, dl.LastError)
		}
	}

	snaps := breakers.Snapshots()
	if len(snaps) > 0 {
		fmt.Println("\nBreakers")
		fmt.Println(strings.Repeat("─", 60))
		for _, s := range snaps {
			fmt.Printf("  %-30s %-10s failures=%d\n", s.Name, s.State, s.FailureCount)
		}
	}
	return nil
}

func runBusReplay(cmd *cobra.Command, args []string) error {
	ch := types.Channel(replayChannel)
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %q", replayChannel)
	}

	ctx, cancel := commandContext()
	defer cancel()

	client, err := connectBus(ctx, newBreakers())
	if err != nil {
		return err
	}
	defer client.Close()

	count, err := client.Replay(ctx, ch, replayFromOffset, func(_ context.Context, env *types.Envelope) error {
		fmt.Printf("%-24s %-22s %-36s %s\n",
			env.Timestamp.Format("2006-01-02T15:04:05.000Z"), env.MessageType, env.MessageID, summarizePayload(env))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n%d entries replayed from %s\n", count, ch)
	return nil
}

// summarizePayload renders a short single-line description of the payload.
func summarizePayload(env *types.Envelope) string {
	s := string(env.Payload)
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 96 {
		s = s[:93] + "..."
	}
	return s
}
