package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/frankonly/auditchain/audit"
	"github.com/frankonly/auditchain/chain"
)

// ErrChainInvalid makes validate exit non-zero on a broken chain
var ErrChainInvalid = errors.New("chain is invalid")

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %s: %w", arg, err)
	}

	return id, nil
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash FILE",
		Short: "Fingerprint a file and record it in the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			res, err := client.Hash(ctx, f, filepath.Base(args[0]))
			if err != nil {
				return err
			}

			return printJSON(cmd, res)
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE HASH",
		Short: "Check a file against a previously recorded digest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			res, err := client.Verify(ctx, f, filepath.Base(args[0]), args[1])
			if err != nil {
				return err
			}

			return printJSON(cmd, res)
		},
	}
}

func appendCmd() *cobra.Command {
	var filename string

	cmd := &cobra.Command{
		Use:   "append OPERATION RESULT",
		Short: "Append a raw hash or verify record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			b, err := client.Append(ctx, args[0], filename, args[1])
			if err != nil {
				return err
			}

			return printJSON(cmd, b)
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "label stored with the block")

	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Get a block by index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			b, err := client.Get(ctx, id)
			if err != nil {
				return err
			}

			return printJSON(cmd, b)
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search HASH",
		Short: "Find a block by its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			b, err := client.Search(ctx, args[0])
			if err != nil {
				return err
			}

			return printJSON(cmd, b)
		},
	}
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Export the whole chain as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			blocks, err := client.Blocks(ctx)
			if err != nil {
				return err
			}

			return chain.WriteJSONL(cmd.OutOrStdout(), blocks)
		},
	}
}

func validateCmd() *cobra.Command {
	var (
		file      string
		tolerance time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the chain on the server, or an exported log with --file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				report chain.Report
				err    error
			)

			if file != "" {
				report, err = validateFile(cmd.Context(), file, tolerance)
			} else {
				report, err = validateRemote()
			}
			if err != nil {
				return err
			}

			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Valid {
				return ErrChainInvalid
			}

			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "exported JSON lines log to validate offline")
	cmd.Flags().DurationVar(&tolerance, "tolerance", 0, "accepted backwards clock skew between blocks")

	return cmd
}

func validateRemote() (chain.Report, error) {
	client, err := Client()
	if err != nil {
		return chain.Report{}, err
	}

	ctx, cancel := callContext()
	defer cancel()

	return client.Validate(ctx)
}

func validateFile(ctx context.Context, file string, tolerance time.Duration) (chain.Report, error) {
	f, err := os.Open(file)
	if err != nil {
		return chain.Report{}, err
	}
	defer f.Close()

	blocks, err := chain.ReadJSONL(f)
	if err != nil {
		return chain.Report{}, fmt.Errorf("read %s: %w", file, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return chain.Validate(ctx, blocks, chain.WithClockSkewTolerance(tolerance))
}

func rootHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Print the merkle root over all block hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			root, err := client.Root(ctx)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), root)
			return err
		},
	}
}

func proofCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "proof ID",
		Short: "Get the inclusion proof of a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			client, err := Client()
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()

			proof, err := client.Proof(ctx, id)
			if err != nil {
				return err
			}

			if err := printJSON(cmd, proof); err != nil {
				return err
			}
			if !check {
				return nil
			}

			req := audit.InclusionRequest{Leaf: proof.Leaf, Path: proof.Path, Root: proof.Root}
			ok, err := req.Verify()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("proof of block %d does not match root %s", id, proof.Root)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "proof verified")
			return err
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "verify the proof locally")

	return cmd
}
