package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/vango-dev/scenesync/internal/config"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/scene"
)

// openStore opens the recordings backend named in cfg.
func openStore(ctx context.Context, cfg *config.Config) (record.Store, error) {
	r := cfg.Recordings
	switch r.Backend {
	case config.BackendDisk:
		return record.NewDiskStore(cfg.RecordingsPath(), r.MaxSize)
	case config.BackendS3:
		s, err := record.DialS3(ctx, r.Region, r.Bucket, r.Prefix)
		if err != nil {
			return nil, err
		}
		return s.WithMaxSize(r.MaxSize), nil
	default:
		return record.NewMemoryStore(r.MaxSize), nil
	}
}

// readRecording returns the bytes of a file path or, when no such file
// exists, of the stored recording with that id.
func readRecording(ctx context.Context, cfg *config.Config, ref string) ([]byte, string, error) {
	if data, err := os.ReadFile(ref); err == nil {
		return data, ref, nil
	} else if !os.IsNotExist(err) {
		return nil, "", err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	data, info, err := store.Get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	return data, info.Name, nil
}

// newMessenger creates a messenger with the scene classes registered.
func newMessenger(cfg *config.Config, logger *slog.Logger, opts ...messenger.Option) *messenger.Messenger {
	base := []messenger.Option{
		messenger.WithRegistry(scene.NewRegistry()),
		messenger.WithLogger(logger),
		messenger.WithVecSize(cfg.Protocol.VecSize),
	}
	return messenger.New(append(base, opts...)...)
}
