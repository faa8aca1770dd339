package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/scenesync/pkg/record"
)

func recordingsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recordings",
		Aliases: []string{"rec"},
		Short:   "Manage stored recordings",
		Long: `List, upload and delete recordings in the backend configured in
scenesync.json (memory, disk or s3).`,
	}

	cmd.AddCommand(
		recordingsListCmd(g),
		recordingsPutCmd(g),
		recordingsRmCmd(g),
	)
	return cmd
}

func recordingsListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				info("No recordings in the %s backend", cfg.Recordings.Backend)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tCREATED")
			for _, in := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", in.ID, in.Name, in.Size, in.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func recordingsPutCmd(g *globals) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a recording file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Refuse what the codec cannot read back.
			if _, err := dumpStream(io.Discard, args[0], data); err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			in, err := store.Put(cmd.Context(), name, data)
			if err != nil {
				return err
			}
			success("Stored %s as %s (%d bytes)", name, in.ID, in.Size)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Recording name (default: file name)")
	return cmd
}

func recordingsRmCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete stored recordings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if _, err := record.CheckID(id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				if err := store.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				success("Deleted %s", id)
			}
			return nil
		},
	}
}
