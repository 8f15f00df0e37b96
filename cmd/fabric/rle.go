package main

import (
	"fmt"
	"os"

	"github.com/drpcorg/fabric/rle"
	"github.com/spf13/cobra"
)

func rleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rle",
		Short: "Run-length compress or decompress files",
	}

	compress := &cobra.Command{
		Use:   "compress <in> <out>",
		Short: "Compress a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out := rle.CompressRaw(data)
			if err := os.WriteFile(args[1], out, 0o644); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d -> %d bytes\n", len(data), len(out))
			return nil
		},
	}

	var limit uint64
	decompress := &cobra.Command{
		Use:   "decompress <in> <out>",
		Short: "Decompress a file made by compress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := rle.DecompressRaw(data, limit)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := os.WriteFile(args[1], out, 0o644); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d -> %d bytes\n", len(data), len(out))
			return nil
		},
	}
	decompress.Flags().Uint64Var(&limit, "limit", 1<<30, "largest output size accepted, 0 for none")

	cmd.AddCommand(compress, decompress)
	return cmd
}
