// Package tools provides the built-in tools exposed to the planner.
package tools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/adapters"
	"gorm.io/gorm"
)

// Options configures the built-in tool set.
type Options struct {
	// CWAAPIKey enables get_weather.
	CWAAPIKey  string
	CWABaseURL string
	// DB enables sqlite_query and sqlite_tables.
	DB *gorm.DB
	// EnableHTTP exposes the generic http_request tool.
	EnableHTTP bool
	HTTPClient *http.Client
	// EnableWiki exposes wiki_search and wiki_summary.
	EnableWiki  bool
	WikiBaseURL string
	// Location is used by current_time; defaults to Asia/Taipei.
	Location *time.Location
	Now      func() time.Time
}

// SetupTools returns the built-in tools enabled by opts, in a stable order.
func SetupTools(opts Options) []breezeflow.Tool {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	tools := []breezeflow.Tool{
		newEchoTool(),
		newCalculatorTool(),
		newCurrentTimeTool(opts.Location, opts.Now),
	}

	if opts.CWAAPIKey != "" {
		base := opts.CWABaseURL
		if base == "" {
			base = DefaultCWABaseURL
		}
		tools = append(tools, newWeatherTool(&weatherClient{baseURL: base, apiKey: opts.CWAAPIKey, client: client}))
	}
	if opts.EnableHTTP {
		tools = append(tools, newHTTPRequestTool(&httpRequester{client: client}))
	}
	if opts.EnableWiki {
		base := opts.WikiBaseURL
		if base == "" {
			base = DefaultWikiBaseURL
		}
		wc := &wikiClient{baseURL: base, http: &httpRequester{client: client}}
		tools = append(tools, newWikiSearchTool(wc), newWikiSummaryTool(wc))
	}
	if opts.DB != nil {
		s := &sqliteTools{db: opts.DB}
		tools = append(tools, newSQLiteQueryTool(s), newSQLiteTablesTool(s))
	}
	return tools
}

func newEchoTool() *adapters.FuncTool {
	return adapters.NewFuncTool("echo", func(ctx context.Context, input map[string]any) (any, error) {
		return fmt.Sprintf("echo: %v", input["text"]), nil
	},
		adapters.WithDescription("Repeats the given text back. Useful for testing."),
		adapters.WithCategory("Utility"),
		adapters.WithProperty("text", "string", "Text to echo", true),
	)
}

func newCurrentTimeTool(loc *time.Location, now func() time.Time) *adapters.FuncTool {
	if now == nil {
		now = time.Now
	}
	return adapters.NewFuncTool("current_time", func(ctx context.Context, input map[string]any) (any, error) {
		where := loc
		if tz, ok := input["timezone"].(string); ok && tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", tz)
			}
			where = l
		}
		if where == nil {
			where = taipei()
		}
		t := now().In(where)
		return map[string]any{
			"time":     t.Format(time.RFC3339),
			"date":     t.Format("2006-01-02"),
			"weekday":  t.Weekday().String(),
			"timezone": where.String(),
		}, nil
	},
		adapters.WithDescription("Returns the current date and time."),
		adapters.WithCategory("Utility"),
		adapters.WithProperty("timezone", "string", "IANA timezone name, defaults to Asia/Taipei", false),
	)
}

func taipei() *time.Location {
	if l, err := time.LoadLocation("Asia/Taipei"); err == nil {
		return l
	}
	return time.FixedZone("CST", 8*60*60)
}
