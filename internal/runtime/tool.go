package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/csiyang/ai-hero/internal/crawler"
	"github.com/csiyang/ai-hero/internal/search"
	"github.com/csiyang/ai-hero/internal/types"
	"github.com/csiyang/ai-hero/pkg/llm"
)

// Tool names as the model sees them.
const (
	ToolSearch = "searchWeb"
	ToolCrawl  = "scrapePages"
)

// MaxCrawlURLs bounds a single scrapePages call.
const MaxCrawlURLs = 10

var errUnknownTool = errors.New("unknown tool")

// Call is a parsed, validated tool call. The set of implementations is
// closed: SearchArgs and CrawlArgs.
type Call interface {
	ToolName() string
	Validate() error
}

// SearchArgs are the arguments of searchWeb.
type SearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"numResults,omitempty"`
}

func (SearchArgs) ToolName() string { return ToolSearch }

func (a SearchArgs) Validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("query is required")
	}
	if a.Limit < 0 || a.Limit > search.MaxLimit {
		return fmt.Errorf("numResults must be between 1 and %d", search.MaxLimit)
	}
	return nil
}

// CrawlArgs are the arguments of scrapePages.
type CrawlArgs struct {
	URLs []string `json:"urls"`
}

func (CrawlArgs) ToolName() string { return ToolCrawl }

func (a CrawlArgs) Validate() error {
	if len(a.URLs) == 0 {
		return errors.New("urls is required")
	}
	if len(a.URLs) > MaxCrawlURLs {
		return fmt.Errorf("at most %d urls per call, got %d", MaxCrawlURLs, len(a.URLs))
	}
	return nil
}

// ParseCall decodes and validates the arguments of a model tool call.
func ParseCall(name string, args json.RawMessage) (Call, error) {
	var call Call
	switch name {
	case ToolSearch:
		var a SearchArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		call = a
	case ToolCrawl:
		var a CrawlArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		call = a
	default:
		return nil, fmt.Errorf("%w %q", errUnknownTool, name)
	}
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", name, err)
	}
	return call, nil
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// Crawler is the part of *crawler.Crawler the registry needs.
type Crawler interface {
	Crawl(ctx context.Context, urls []string) crawler.Report
}

// Output is what one executed call produced: the JSON result shown to the
// model and the sources it contributed.
type Output struct {
	Result  json.RawMessage
	Sources []types.Source
}

// Registry executes the two research tools.
type Registry struct {
	search  search.Provider
	crawler Crawler
}

// NewRegistry wires the tools to their backends.
func NewRegistry(sp search.Provider, c Crawler) *Registry {
	return &Registry{search: sp, crawler: c}
}

// Names returns the tool names in a stable order.
func (r *Registry) Names() []string {
	return []string{ToolSearch, ToolCrawl}
}

// AsLLMTools returns the tool definitions in the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	return []llm.Tool{
		{
			Type: "function",
			Function: llm.Function{
				Name:        ToolSearch,
				Description: "Search the web. Returns titles, links, snippets and publication dates.",
				Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The search query"},
    "numResults": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (default 10)"}
  },
  "required": ["query"]
}`),
			},
		},
		{
			Type: "function",
			Function: llm.Function{
				Name:        ToolCrawl,
				Description: "Fetch full page content as markdown for up to 10 URLs at once. Use it to read pages found by searchWeb.",
				Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "urls": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 10}
  },
  "required": ["urls"]
}`),
			},
		},
	}
}

// Execute runs a parsed call. Backend failures come back as an error; the
// caller turns them into a result the model can read.
func (r *Registry) Execute(ctx context.Context, call Call) (Output, error) {
	switch c := call.(type) {
	case SearchArgs:
		return r.runSearch(ctx, c)
	case CrawlArgs:
		return r.runCrawl(ctx, c)
	default:
		return Output{}, fmt.Errorf("%w %q", errUnknownTool, call.ToolName())
	}
}

func (r *Registry) runSearch(ctx context.Context, a SearchArgs) (Output, error) {
	if r.search == nil {
		return Output{}, errors.New("web search is not configured")
	}
	results, err := r.search.Search(ctx, a.Query, a.Limit)
	if err != nil {
		return Output{}, err
	}
	if results == nil {
		results = []search.Result{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return Output{}, err
	}
	out := Output{Result: raw}
	for _, res := range results {
		out.Sources = append(out.Sources, types.Source{URL: res.Link, Title: res.Title})
	}
	return out, nil
}

// pageResult is the per-URL shape the model sees for scrapePages.
type pageResult struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r *Registry) runCrawl(ctx context.Context, a CrawlArgs) (Output, error) {
	if r.crawler == nil {
		return Output{}, errors.New("page crawling is not configured")
	}
	report := r.crawler.Crawl(ctx, a.URLs)
	pages := make([]pageResult, 0, len(report.Results))
	var out Output
	for _, res := range report.Results {
		p := pageResult{URL: res.URL, Success: res.Success}
		if res.Success && res.Data != nil {
			p.Title = res.Data.Title
			p.Content = res.Data.Markdown
			out.Sources = append(out.Sources, types.Source{URL: res.URL, Title: res.Data.Title})
		} else {
			p.Error = fmt.Sprintf("%s: %s", res.Reason, res.Error)
		}
		pages = append(pages, p)
	}
	raw, err := json.Marshal(map[string]any{"success": report.Success, "results": pages})
	if err != nil {
		return Output{}, err
	}
	out.Result = raw
	return out, nil
}

// errorResult is the JSON handed back to the model when a call fails.
func errorResult(err error) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return raw
}
