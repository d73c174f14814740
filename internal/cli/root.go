// Package cli implements probectl, the archive inspection tool.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unloggedio/unlogged-sdk-sub000/pkg/archive"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the probectl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "probectl",
		Short:         "Inspect probe event archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newTypeCommand(opts))
	cmd.AddCommand(newObjectCommand(opts))
	cmd.AddCommand(newObjectsCommand(opts))
	cmd.AddCommand(newStringsCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))
	return cmd
}

// withArchive opens the archive at path for the duration of fn.
func withArchive(path string, fn func(*archive.Reader) error) error {
	r, err := archive.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()
	return fn(r)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
