package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/scene"
	"github.com/vango-dev/scenesync/pkg/syncer"
)

func joinCmd(g *globals) *cobra.Command {
	var (
		host     string
		duration time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "join <url>",
		Short: "Join a hub and print the shared graph",
		Long: `Join a hub over websocket, follow its frames for a while and
print the object graph this host ends up with.

Examples:
  scenesync join ws://localhost:7420/sync
  scenesync join ws://stage:7420/sync --for=10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), g, args[0], host, duration, interval)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "", "Host name announced to the hub (default from scenesync.json)")
	cmd.Flags().DurationVar(&duration, "for", 2*time.Second, "How long to follow frames")
	cmd.Flags().DurationVar(&interval, "interval", 20*time.Millisecond, "Frame interval")

	return cmd
}

func runJoin(ctx context.Context, g *globals, url, host string, duration, interval time.Duration) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Host = host
	}
	linkCfg, err := cfg.LinkConfig()
	if err != nil {
		return err
	}

	logger := slog.Default()
	m := newMessenger(cfg, logger)
	sy := syncer.New(m,
		syncer.WithHost(cfg.Host),
		syncer.WithHandshakeTimeout(linkCfg.HandshakeTimeout),
		syncer.WithLogger(logger),
	)
	defer sy.Close(context.Background())

	ws, err := link.Dial(ctx, url, linkCfg)
	if err != nil {
		return err
	}
	c, err := sy.Connect(ctx, ws)
	if err != nil {
		return err
	}
	success("Joined %s as %s (peer %d, stream %d)", c.Host(), cfg.Host, c.Index(), c.StreamID())

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var packets, rejected int
follow:
	for {
		select {
		case <-ctx.Done():
			break follow
		case <-ticker.C:
			st, _ := sy.Load(ctx)
			packets += st.Packets
			rejected += st.Rejected
			if sy.AllClients().Empty() {
				warn("Hub closed the connection")
				break follow
			}
			if err := sy.Sync(ctx, nil); err != nil {
				logger.Debug("frame not sent", "error", err)
			}
		}
	}

	info("Frames: %d  Packets: %d  Rejected: %d  Objects: %d",
		c.Source().Frame(), packets, rejected, m.Table().Len())
	fmt.Println()
	for _, root := range scene.Roots(m) {
		fmt.Print(scene.Describe(root))
	}
	return nil
}
