package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/index"
)

// runIndexAdd handles the index add command.
func runIndexAdd(cmd *cobra.Command, flags *globalFlags, idx string, paths []string) error {
	if !index.IsSet(idx) {
		return fmt.Errorf("invalid index name %q", idx)
	}
	ctx := cmd.Context()
	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	out := cmd.OutOrStdout()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err := a.index.Add(ctx, idx, path, string(data))
		if err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		fmt.Fprintf(out, "Indexed %s as %s (%d chunks)\n", path, doc.ID, doc.Chunks)
	}
	return nil
}

// runIndexQuery handles the index query command.
func runIndexQuery(cmd *cobra.Command, flags *globalFlags, idx, query string) error {
	ctx := cmd.Context()
	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	result, err := a.index.Query(ctx, idx, query)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}
