package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/progress"
	"github.com/JakeFAU/crawl-digest/internal/server"
)

type crawlOptions struct {
	depth      int
	maxPages   int
	model      string
	prompt     string
	localOnly  bool
	useSitemap bool
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl URL [URL...]",
		Short: "Crawl URLs once and print the results as JSON",
		Long: `Runs one crawl task through the same orchestrator the API uses. Progress
lines go to stderr; the result set is written to stdout as JSON.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, root, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.depth, "depth", 0, "render wait depth (0 uses the configured default)")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "page ceiling (0 uses the configured default)")
	flags.StringVar(&opts.model, "model", "", "model identifier")
	flags.StringVar(&opts.prompt, "prompt", "", "custom system prompt")
	flags.BoolVar(&opts.localOnly, "local", false, "skip the remote backend")
	flags.BoolVar(&opts.useSitemap, "sitemap", false, "crawl the URLs listed in the first URL's sitemap.xml")
	return cmd
}

func runCrawl(cmd *cobra.Command, root *rootOptions, opts *crawlOptions, urls []string) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if opts.localOnly {
		cfg.Orchestrator.Backends = []string{"local"}
	}
	cfg.Logging.Development = false

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			app.Logger().Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()
	app.Start(ctx)
	orch := app.Orchestrator()

	taskID, err := orch.Submit(ctx, crawler.CrawlRequest{
		URLs:         urls,
		Depth:        opts.depth,
		MaxPages:     opts.maxPages,
		Model:        opts.model,
		SystemPrompt: opts.prompt,
		UseSitemap:   opts.useSitemap,
	})
	if err != nil {
		return fmt.Errorf("submit crawl: %w", err)
	}
	msgs, cancel, err := orch.Subscribe(ctx, taskID)
	if err != nil {
		return fmt.Errorf("follow task %s: %w", taskID, err)
	}
	defer cancel()

	final := followProgress(ctx, cmd.ErrOrStderr(), msgs)
	if final.Status != crawler.TaskStatusCompleted {
		task, statusErr := orch.Status(context.WithoutCancel(ctx), taskID)
		if statusErr == nil && task.Error != "" {
			return fmt.Errorf("task %s %s: %s", taskID, task.Status, task.Error)
		}
		return fmt.Errorf("task %s ended as %s", taskID, final.Status)
	}
	results, err := orch.Result(ctx, taskID)
	if err != nil {
		return err
	}
	return writeResults(cmd.OutOrStdout(), taskID, results)
}

func followProgress(ctx context.Context, w io.Writer, msgs <-chan progress.Message) progress.Message {
	var last progress.Message
	for {
		select {
		case <-ctx.Done():
			return last
		case msg, ok := <-msgs:
			if !ok {
				return last
			}
			last = msg
			if msg.Message != "" {
				fmt.Fprintf(w, "[%s] %s\n", msg.Status, msg.Message)
			}
		}
	}
}

func writeResults(w io.Writer, taskID string, results []crawler.CrawlResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"task_id": taskID, "results": results}); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
