package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/cobra"

	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/eventbus"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/server"
	"github.com/vango-dev/scenesync/pkg/syncer"
	"github.com/vango-dev/scenesync/pkg/telemetry"
)

func serveCmd(g *globals) *cobra.Command {
	var (
		listen  string
		host    string
		capture string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a synchronizer hub",
		Long: `Run a synchronizer that peers join over websocket at /sync.

The hub drives the frame loop, serves /status, /healthz and /metrics,
and manages recordings under /recordings.

Examples:
  scenesync serve
  scenesync serve --listen=:9000 --host=stage
  scenesync serve --record=rehearsal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, listen, host, capture)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default from scenesync.json)")
	cmd.Flags().StringVarP(&host, "host", "H", "", "Host name announced to peers (default from scenesync.json)")
	cmd.Flags().StringVar(&capture, "record", "", "Record local traffic under this name; POST /recordings saves it")

	return cmd
}

func runServe(ctx context.Context, g *globals, listen, host, capture string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if host != "" {
		cfg.Host = host
	}

	logger := slog.Default()
	linkCfg, err := cfg.LinkConfig()
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	msgOpts := []messenger.Option{messenger.WithTracer(telemetry.Tracer(cfg.Tracing.Name))}
	if !cfg.Metrics.Disabled {
		metrics = telemetry.New(telemetry.WithNamespace(cfg.Metrics.Namespace))
		msgOpts = append(msgOpts, messenger.WithRecorder(metrics))
	}
	m := newMessenger(cfg, logger, msgOpts...)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tOpts := []bufmess.Option{bufmess.WithMessenger(m), bufmess.WithLogger(logger)}
	var rec *record.Recorder
	if capture != "" {
		if rec, err = record.NewRecorder(m, capture); err != nil {
			return err
		}
		tOpts = append(tOpts, bufmess.WithTee(rec.Tee))
	}
	if metrics != nil {
		tOpts = append(tOpts, bufmess.WithRecorder(metrics))
	}
	transport, err := bufmess.New(cfg.BufmessConfig(), tOpts...)
	if err != nil {
		return err
	}
	defer transport.Close(context.Background())

	syncOpts := []syncer.Option{
		syncer.WithHost(cfg.Host),
		syncer.WithMaxPeers(cfg.Protocol.MaxHosts),
		syncer.WithHandshakeTimeout(linkCfg.HandshakeTimeout),
		syncer.WithLogger(logger),
		syncer.WithTracer(telemetry.Tracer(cfg.Tracing.Name)),
	}
	if metrics != nil {
		syncOpts = append(syncOpts, syncer.WithRecorder(metrics))
	}
	sy := syncer.New(m, syncOpts...)

	bus := eventbus.NewChannel(logger)
	defer bus.Close()
	bridge := eventbus.New(bus, eventbus.WithTopic(cfg.Events.Topic), eventbus.WithLogger(logger))
	bridge.Attach(m)
	if err := logEvents(ctx, bus, cfg.Events.Topic, logger); err != nil {
		return err
	}

	srvOpts := []server.Option{
		server.WithTransport(transport),
		server.WithStore(store),
		server.WithLogger(logger),
	}
	if rec != nil {
		srvOpts = append(srvOpts, server.WithRecorder(rec))
	}
	if metrics != nil {
		srvOpts = append(srvOpts, server.WithMetrics(metrics))
	}
	srv := server.New(sy, &server.Config{
		Address: cfg.Listen,
		Link:    linkCfg,
	}, srvOpts...)

	printBanner()
	success("Serving %s on %s", cfg.Host, cfg.Listen)
	info("Peers join at ws://%s/sync", displayAddr(cfg.Listen))
	info("Recordings: %s backend", cfg.Recordings.Backend)
	if rec != nil {
		info("Recording local traffic as %q", capture)
	}
	fmt.Println()

	runErr := srv.Run(ctx)
	if rec != nil && rec.Buffers() > 0 {
		in, err := rec.Save(context.Background(), store)
		if err != nil {
			warn("Recording %q not saved: %v", capture, err)
		} else {
			success("Saved recording %s (%d bytes)", in.ID, in.Size)
		}
	}
	return runErr
}

// logEvents logs every event published on topic until ctx is done.
func logEvents(ctx context.Context, sub message.Subscriber, topic string, logger *slog.Logger) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			p, err := eventbus.Decode(msg)
			if err != nil {
				logger.Warn("undecodable event", "uuid", msg.UUID, "error", err)
			} else {
				logger.Info("event", "code", p.Code, "sender", p.SenderName, "target", p.TargetName, "source", p.Source)
			}
			msg.Ack()
		}
	}()
	return nil
}

func displayAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}
