package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-digest/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg, version)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
