package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// runContextsList handles the contexts list command.
func runContextsList(cmd *cobra.Command, flags *globalFlags, limit int, search string) error {
	ctx := cmd.Context()
	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	metas, err := a.store.LoadMeta(ctx, models.MetaFilter{Limit: limit}, search)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(metas) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}
	return writeMetas(out, metas)
}

func writeMetas(out io.Writer, metas []*models.CtxMeta) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tMODE\tMODEL\tNAME")
	for _, m := range metas {
		name := m.Name
		if m.Pinned {
			name = "* " + name
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			m.ID, m.UpdatedAt.Local().Format("2006-01-02 15:04"), dash(m.LastMode), dash(m.LastModel), name)
	}
	return w.Flush()
}

// runContextsShow handles the contexts show command.
func runContextsShow(cmd *cobra.Command, flags *globalFlags, id int64) error {
	ctx := cmd.Context()
	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	meta, err := a.store.Select(ctx, id)
	if err != nil {
		return err
	}
	writeConversation(cmd.OutOrStdout(), meta, a.store.Items())
	return nil
}

func writeConversation(out io.Writer, meta *models.CtxMeta, items []*models.CtxItem) {
	fmt.Fprintf(out, "# %s (id %d)\n", meta.Name, meta.ID)
	for _, item := range items {
		if item.Hidden {
			continue
		}
		if in := item.FinalInput(); in != "" {
			fmt.Fprintf(out, "\n> %s\n", strings.ReplaceAll(in, "\n", "\n> "))
		}
		if output := item.FinalOutput(); output != "" {
			fmt.Fprintf(out, "\n%s\n", output)
		}
	}
}

// runContextsRename handles the contexts rename command.
func runContextsRename(cmd *cobra.Command, flags *globalFlags, id int64, name string) error {
	ctx := cmd.Context()
	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.store.Rename(ctx, id, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Renamed conversation %d to %q\n", id, name)
	return nil
}

// runContextsDelete handles the contexts delete command.
func runContextsDelete(cmd *cobra.Command, flags *globalFlags, id int64) error {
	ctx := cmd.Context()
	a, _, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.store.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %d\n", id)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
