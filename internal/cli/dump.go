package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/archive"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/event"
)

type dumpSegment struct {
	Name     string         `json:"name"`
	ThreadID int32          `json:"thread_id"`
	Events   []event.Record `json:"events"`
}

func newDumpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <archive> [segment...]",
		Short: "Print the events stored in an archive",
		Long:  "Print every event of the named segments, or of all segments when none is given, in manifest order.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(args[0], func(r *archive.Reader) error {
				want := make(map[string]bool, len(args)-1)
				for _, name := range args[1:] {
					want[name] = true
				}

				var out []dumpSegment
				for _, s := range r.Manifest().Segments {
					if len(want) > 0 && !want[s.Name] {
						continue
					}
					delete(want, s.Name)
					recs, err := r.Events(s.Name)
					if err != nil {
						return err
					}
					out = append(out, dumpSegment{Name: s.Name, ThreadID: s.ThreadID, Events: recs})
				}
				for name := range want {
					return fmt.Errorf("segment %s: %w", name, archive.ErrNotFound)
				}

				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				w := cmd.OutOrStdout()
				for _, s := range out {
					fmt.Fprintf(w, "segment %s thread=%d events=%d\n", s.Name, s.ThreadID, len(s.Events))
					for _, rec := range s.Events {
						fmt.Fprintf(w, "  %s\n", rec)
					}
				}
				return nil
			})
		},
	}
}
