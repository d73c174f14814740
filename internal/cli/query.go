package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/archive"
	"github.com/unloggedio/unlogged-sdk-sub000/pkg/identity"
)

type inspectResult struct {
	Archive    string                 `json:"archive"`
	CreatedAt  time.Time              `json:"created_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Events     uint64                 `json:"events"`
	Types      int                    `json:"types"`
	Segments   []archive.SegmentEntry `json:"segments"`
	Entries    []string               `json:"entries"`
}

func newInspectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Show the manifest and entries of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(args[0], func(r *archive.Reader) error {
				types, err := r.Types()
				if err != nil {
					return err
				}
				m := r.Manifest()
				res := inspectResult{
					Archive:    m.ArchiveName,
					CreatedAt:  m.CreatedAt.UTC(),
					FinishedAt: m.FinishedAt.UTC(),
					Events:     m.EventCount(),
					Types:      len(types),
					Segments:   m.Segments,
					Entries:    r.Entries(),
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				return printInspect(cmd.OutOrStdout(), res)
			})
		},
	}
}

func printInspect(w io.Writer, res inspectResult) error {
	fmt.Fprintf(w, "archive:  %s\n", res.Archive)
	fmt.Fprintf(w, "created:  %s\n", res.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "finished: %s\n", res.FinishedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "events:   %d\n", res.Events)
	fmt.Fprintf(w, "types:    %d\n", res.Types)
	fmt.Fprintf(w, "segments: %d\n", len(res.Segments))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTHREAD\tEVENTS\tFIRST\tLAST\tDIGEST")
	for _, s := range res.Segments {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			s.Name, s.ThreadID, s.EventCount, s.FirstSequence, s.LastSequence, hex.EncodeToString(s.Digest[:8]))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, "entries:")
	for _, e := range res.Entries {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return nil
}

func newTypeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "type <archive> <type-id|name>",
		Short: "Look up a type by id or by name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(args[0], func(r *archive.Reader) error {
				var records []identity.TypeRecord
				if id, err := strconv.ParseInt(args[1], 10, 32); err == nil {
					rec, err := r.Type(int32(id))
					if err != nil {
						return err
					}
					records = append(records, rec)
				} else {
					found, err := r.TypesByName(args[1])
					if err != nil {
						return err
					}
					if len(found) == 0 {
						return fmt.Errorf("type %q: %w", args[1], archive.ErrNotFound)
					}
					records = found
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), records)
				}
				for _, rec := range records {
					printType(cmd.OutOrStdout(), rec)
				}
				return nil
			})
		},
	}
}

func printType(w io.Writer, rec identity.TypeRecord) {
	fmt.Fprintf(w, "%d\t%s\tloader=%s", rec.TypeID, rec.Name, rec.LoaderTag)
	if rec.Location != "" {
		fmt.Fprintf(w, "\tlocation=%s", rec.Location)
	}
	if rec.SuperTypeID != identity.NullTypeID {
		fmt.Fprintf(w, "\tsuper=%d", rec.SuperTypeID)
	}
	if rec.ComponentTypeID != identity.NullTypeID {
		fmt.Fprintf(w, "\tcomponent=%d", rec.ComponentTypeID)
	}
	if len(rec.InterfaceTypeIDs) > 0 {
		fmt.Fprintf(w, "\tinterfaces=%v", rec.InterfaceTypeIDs)
	}
	fmt.Fprintln(w)
}

type objectResult struct {
	ObjectID int64               `json:"object_id"`
	Type     identity.TypeRecord `json:"type"`
	Value    *string             `json:"value,omitempty"`
}

func newObjectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "object <archive> <object-id>",
		Short: "Show the type and string value of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid object id %q: %w", args[1], err)
			}
			return withArchive(args[0], func(r *archive.Reader) error {
				rec, err := r.TypeOf(id)
				if err != nil {
					return err
				}
				res := objectResult{ObjectID: id, Type: rec}
				if s, err := r.String(id); err == nil {
					res.Value = &s
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "object %d\n", id)
				fmt.Fprint(out, "type   ")
				printType(out, rec)
				if res.Value != nil {
					fmt.Fprintf(out, "value  %q\n", *res.Value)
				}
				return nil
			})
		},
	}
}

func newObjectsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "objects <archive> <type-id>",
		Short: "List the objects recorded with a type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid type id %q: %w", args[1], err)
			}
			return withArchive(args[0], func(r *archive.Reader) error {
				ids, err := r.ObjectsOfType(int32(id))
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					if ids == nil {
						ids = []int64{}
					}
					return writeJSON(cmd.OutOrStdout(), ids)
				}
				for _, oid := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), oid)
				}
				return nil
			})
		},
	}
}

func newStringsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "strings <archive> <substring>",
		Short: "Search recorded string values",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(args[0], func(r *archive.Reader) error {
				found, err := r.SearchStrings(args[1])
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					if found == nil {
						found = []identity.StringFact{}
					}
					return writeJSON(cmd.OutOrStdout(), found)
				}
				for _, s := range found {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%q\n", s.ObjectID, s.Value)
				}
				return nil
			})
		},
	}
}
