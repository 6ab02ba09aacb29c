// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/server/handlers"
)

func newCatalogCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the built-in handlers",
		Long: `List the built-in handler descriptors in execution order, grouped by stage.
Use --stage to restrict the output to a single stage, e.g. --stage ValidateTokenRequest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := handlers.NewCatalog(nil)
			if err != nil {
				return fmt.Errorf("failed to build the handler catalog: %w", err)
			}

			stages := catalog.ContextTypes()
			if stage != "" {
				t, err := server.ParseContextType(stage)
				if err != nil {
					return err
				}
				stages = []server.ContextType{t}
			}
			return renderCatalog(cmd.OutOrStdout(), catalog, stages)
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Only list the handlers of this stage")
	return cmd
}

// renderCatalog writes one row per descriptor of the given stages.
func renderCatalog(w io.Writer, catalog *server.Catalog, stages []server.ContextType) error {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader([]string{"Stage", "Order", "Handler", "Filters"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(4, tw.AlignLeft)),
	)

	for _, stage := range stages {
		for _, d := range catalog.Descriptors(stage) {
			if err := table.Append([]string{
				stage.String(),
				strconv.Itoa(d.Order()),
				d.Name(),
				strings.Join(d.FilterNames(), ", "),
			}); err != nil {
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
