package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/index"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

func newGenerationsCmd() *cobra.Command {
	var prune int
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "Lists index generations and optionally prunes old ones",
		Long: `Prints every concrete index generation per locale with its document
count and marks the one behind the published alias. With --prune N all but
the newest N non-live generations of each locale are deleted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			idx := a.Index()

			if cmd.Flags().Changed("prune") {
				for _, locale := range syllabus.Locales {
					dropped, err := index.Prune(ctx, idx, locale, prune)
					if err != nil {
						return err
					}
					for _, id := range dropped {
						a.Logger().Info("dropped generation", zap.String("locale", string(locale)), zap.String("generation", id))
					}
				}
			}

			var all []syllabus.Generation
			for _, locale := range syllabus.Locales {
				gens, err := idx.Generations(ctx, locale)
				if err != nil {
					return fmt.Errorf("list %s generations: %w", locale, err)
				}
				all = append(all, gens...)
			}
			renderGenerations(cmd.OutOrStdout(), all)
			return nil
		},
	}
	cmd.Flags().IntVar(&prune, "prune", 0, "keep only the newest N non-live generations per locale")
	return cmd
}

func renderGenerations(w io.Writer, gens []syllabus.Generation) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Locale", "Generation", "Index", "Docs", "Live"})
	for _, g := range gens {
		live := ""
		if g.Live {
			live = "*"
		}
		t.AppendRow(table.Row{g.Locale, g.ID, g.Index, g.Documents, live})
	}
	t.AppendFooter(table.Row{"Total", len(gens)})
	t.Render()
}
