package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vango-dev/scenesync/internal/config"
	"github.com/vango-dev/scenesync/internal/errors"
	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/scene"
	"github.com/vango-dev/scenesync/pkg/syncer"
)

func replayCmd(g *globals) *cobra.Command {
	var (
		to     string
		events bool
	)

	cmd := &cobra.Command{
		Use:   "replay <file|id>",
		Short: "Apply a recording and print the resulting graph",
		Long: `Apply a recording to an empty graph and print what it builds.

With --to the recording is sent to a hub as one frame instead, so every
peer of the hub receives it.

Examples:
  scenesync replay capture.ssr
  scenesync replay 01HZX3J4Q8V5N2K7M9P0R1S2T3 --events
  scenesync replay capture.ssr --to=ws://localhost:7420/sync`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			data, name, err := readRecording(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			if to != "" {
				return replayTo(cmd.Context(), cfg, to, data)
			}
			return replayLocal(cmd.Context(), cfg, name, data, events)
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Send the recording to the hub at this websocket URL")
	cmd.Flags().BoolVar(&events, "events", false, "Print events as they are dispatched")

	return cmd
}

func replayLocal(ctx context.Context, cfg *config.Config, name string, data []byte, events bool) error {
	m := newMessenger(cfg, slog.Default())
	if events {
		m.OnEvent(func(ev *messenger.Event) {
			info("event %d from %s to %s (%d bytes)", ev.Code, label(ev.Sender), label(ev.Target), len(ev.Data))
		})
	}

	st, err := m.Apply(ctx, m.NewSource(name, true), data)
	if err != nil {
		return errors.Classify(err, "S300")
	}
	success("Replayed %s: %d packets, %d rejected, %d events, %d objects",
		name, st.Packets, st.Rejected, st.Events, m.Table().Len())
	fmt.Println()
	for _, root := range scene.Roots(m) {
		fmt.Print(scene.Describe(root))
	}
	return nil
}

func replayTo(ctx context.Context, cfg *config.Config, url string, data []byte) error {
	linkCfg, err := cfg.LinkConfig()
	if err != nil {
		return err
	}
	m := newMessenger(cfg, slog.Default())
	sy := syncer.New(m, syncer.WithHost(cfg.Host), syncer.WithLogger(slog.Default()))
	defer sy.Close(context.Background())

	ws, err := link.Dial(ctx, url, linkCfg)
	if err != nil {
		return err
	}
	c, err := sy.Connect(ctx, ws)
	if err != nil {
		return err
	}
	if err := sy.Sync(ctx, [][]byte{data}); err != nil {
		return err
	}
	success("Sent %d bytes to %s", len(data), c.Host())
	return nil
}

func label(obj messenger.Object) string {
	if obj == nil {
		return "-"
	}
	if n, ok := obj.(messenger.Named); ok && n.Name() != "" {
		return fmt.Sprintf("%q", n.Name())
	}
	return fmt.Sprintf("%T", obj)
}
