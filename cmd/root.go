// Package cmd defines the crawldigest command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-digest/internal/config"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawldigest",
		Short: "Crawl pages and summarize them with a language model.",
		Long: `crawldigest renders web pages, extracts their content and links, and asks a
language model for a structured summary. Crawls run asynchronously on a
remote crawl service with an in-process fallback.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (environment variables use the CRAWLER_ prefix)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "crawldigest:", err)
		os.Exit(1)
	}
}
