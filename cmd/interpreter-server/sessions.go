package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovenzeze/open-interpreter/internal/archive"
	"github.com/ovenzeze/open-interpreter/internal/session"
	"github.com/ovenzeze/open-interpreter/internal/sweeper"
)

var errArchiveDisabled = errors.New("session archive is not enabled or unreachable (set MINIO_ACCESS_KEY and MINIO_SECRET_KEY)")

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List live sessions from the session directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			c, err := build(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}

			return printSessions(cmd.OutOrStdout(), c.store.List(), asJSON)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(list)
	cmd.AddCommand(newArchivedCmd(root))
	cmd.AddCommand(newPurgeCmd(root))
	return cmd
}

func newArchivedCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archived",
		Short: "List sessions held in the object-storage archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := openArchiveOnly(cmd, root)
			if err != nil {
				return err
			}

			entries, err := arch.List(cmd.Context())
			if err != nil {
				return err
			}
			return printArchived(cmd.OutOrStdout(), entries)
		},
	}
}

func newPurgeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Delete an archived session permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := openArchiveOnly(cmd, root)
			if err != nil {
				return err
			}

			if err := arch.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}
}

func openArchiveOnly(cmd *cobra.Command, root *rootOptions) (*archive.Archive, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}

	arch := openArchive(cmd.Context(), cfg.Storage)
	if arch == nil {
		return nil, errArchiveDisabled
	}
	return arch, nil
}

func printArchived(w io.Writer, entries []archive.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No archived sessions")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tARCHIVED\tSIZE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", e.SessionID, e.ArchivedAt.Format(time.RFC3339), e.Size)
	}
	return tw.Flush()
}

func printSessions(w io.Writer, recs []*session.Session, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCREATED\tLAST ACTIVE\tMESSAGES")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n",
			rec.ID,
			rec.CreatedAt.Format(time.RFC3339),
			rec.LastActive.Format(time.RFC3339),
			len(rec.Messages),
		)
	}
	return tw.Flush()
}

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			c, err := build(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer c.close()

			report := sweeper.New(c.store, c.locks, nil, nil, 0).Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions (%d failed)\n", report.Sessions, report.Failures)
			return nil
		},
	}
}
