package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/csiyang/ai-hero/internal/runtime"
)

var searchLimit int

func init() {
	rootCmd.AddCommand(searchCmd, crawlCmd)
	searchCmd.Flags().IntVarP(&searchLimit, "num", "n", 10, "number of results")
}

// searchCmd and crawlCmd run the model-facing tools directly and print the
// JSON the model would receive.
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a web search through the configured provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		call := runtime.SearchArgs{Query: args[0], Limit: searchLimit}
		return runTool(cmd, call)
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>...",
	Short: "Fetch pages and print their extracted markdown",
	Args:  cobra.RangeArgs(1, runtime.MaxCrawlURLs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, runtime.CrawlArgs{URLs: args})
	},
}

func runTool(cmd *cobra.Command, call runtime.Call) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := call.Validate(); err != nil {
		return err
	}
	// Crawling works without search credentials.
	sp, err := newSearchProvider(cfg)
	if err != nil && call.ToolName() == runtime.ToolSearch {
		return err
	}
	c, closeCrawler := newCrawler(cfg)
	defer closeCrawler()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out, err := runtime.NewRegistry(sp, c).Execute(ctx, call)
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(out.Result, &pretty); err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
