package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow/internal/adapters"
	"goa.design/clue/log"
)

// DefaultWikiBaseURL is the MediaWiki action API of Chinese Wikipedia.
const DefaultWikiBaseURL = "https://zh.wikipedia.org/w/api.php"

const wikiUserAgent = "breezeflow/1.0 (https://github.com/ZanzyTHEbar/breezeflow)"

// wikiClient queries the MediaWiki action API through the http_request
// plumbing, so both tools share its limits and JSON decoding.
type wikiClient struct {
	baseURL string
	http    *httpRequester
}

// WikiHit is one search result.
type WikiHit struct {
	Title   string `json:"title"`
	PageID  int    `json:"pageid"`
	Snippet string `json:"snippet,omitempty"`
}

// WikiSummary is the lead section of one article.
type WikiSummary struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

func newWikiSearchTool(wc *wikiClient) *adapters.FuncTool {
	return adapters.NewFuncTool("wiki_search", wc.search,
		adapters.WithDescription("Searches Wikipedia and returns matching article titles. Useful for finding the exact name of a person, place or topic."),
		adapters.WithCategory("Knowledge"),
		adapters.WithProperty("query", "string", "Keywords or phrase to search for", true),
		adapters.WithProperty("limit", "integer", "Number of results, 1 to 50, defaults to 10", false),
		adapters.WithValidator(limitValidator(50)),
	)
}

func newWikiSummaryTool(wc *wikiClient) *adapters.FuncTool {
	return adapters.NewFuncTool("wiki_summary", wc.summary,
		adapters.WithDescription("Searches Wikipedia and returns the title, URL and introduction of the best matching articles."),
		adapters.WithCategory("Knowledge"),
		adapters.WithProperty("query", "string", "Keywords or phrase to look up", true),
		adapters.WithProperty("limit", "integer", "Number of articles to summarise, 1 to 10, defaults to 2", false),
		adapters.WithValidator(limitValidator(10)),
		adapters.WithExamples([]string{`wiki_summary {"query":"台北101"}`}),
	)
}

func limitValidator(upper int) func(map[string]any) error {
	return func(input map[string]any) error {
		if q, _ := input["query"].(string); strings.TrimSpace(q) == "" {
			return errors.New("query must not be empty")
		}
		raw, ok := input["limit"]
		if !ok || raw == nil {
			return nil
		}
		n, ok := raw.(float64)
		if !ok {
			if i, isInt := raw.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok || n < 1 || n > float64(upper) || n != float64(int(n)) {
			return fmt.Errorf("limit must be an integer between 1 and %d", upper)
		}
		return nil
	}
}

func limitOf(input map[string]any, def int) int {
	switch v := input["limit"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func (wc *wikiClient) search(ctx context.Context, input map[string]any) (any, error) {
	hits, err := wc.find(ctx, input["query"].(string), limitOf(input, 10))
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(hits))
	for _, h := range hits {
		titles = append(titles, h.Title)
	}
	return map[string]any{"titles": titles, "results": hits}, nil
}

func (wc *wikiClient) summary(ctx context.Context, input map[string]any) (any, error) {
	query := input["query"].(string)
	hits, err := wc.find(ctx, query, limitOf(input, 2))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("no Wikipedia article found for %q", query)
	}

	titles := make([]string, 0, len(hits))
	for _, h := range hits {
		titles = append(titles, h.Title)
	}
	var body struct {
		Query struct {
			Pages []struct {
				Title   string `json:"title"`
				FullURL string `json:"fullurl"`
				Extract string `json:"extract"`
				Missing bool   `json:"missing"`
			} `json:"pages"`
		} `json:"query"`
	}
	err = wc.get(ctx, map[string]any{
		"action":        "query",
		"prop":          "info|extracts",
		"inprop":        "url",
		"exintro":       1,
		"explaintext":   1,
		"redirects":     1,
		"titles":        strings.Join(titles, "|"),
		"format":        "json",
		"formatversion": 2,
	}, &body)
	if err != nil {
		return nil, err
	}

	// Keep search ranking; the pages list comes back in arbitrary order.
	byTitle := map[string]WikiSummary{}
	for _, p := range body.Query.Pages {
		if p.Missing || p.Extract == "" {
			continue
		}
		byTitle[p.Title] = WikiSummary{Title: p.Title, URL: p.FullURL, Summary: p.Extract}
	}
	var out []WikiSummary
	for _, t := range titles {
		if s, ok := byTitle[t]; ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("could not retrieve any Wikipedia summary for %q", query)
	}

	log.Debug(ctx,
		log.KV{K: "msg", V: "wikipedia summaries retrieved"},
		log.KV{K: "query", V: query},
		log.KV{K: "articles", V: len(out)})
	return out, nil
}

func (wc *wikiClient) find(ctx context.Context, query string, limit int) ([]WikiHit, error) {
	var body struct {
		Query struct {
			Search []WikiHit `json:"search"`
		} `json:"query"`
	}
	err := wc.get(ctx, map[string]any{
		"action":        "query",
		"list":          "search",
		"srsearch":      query,
		"srlimit":       limit,
		"format":        "json",
		"formatversion": 2,
	}, &body)
	if err != nil {
		return nil, err
	}
	return body.Query.Search, nil
}

// get issues a GET against the action API and decodes the JSON reply into v.
func (wc *wikiClient) get(ctx context.Context, params map[string]any, v any) error {
	out, err := wc.http.do(ctx, map[string]any{
		"url":          wc.baseURL,
		"query_params": params,
		"headers":      map[string]any{"User-Agent": wikiUserAgent, "Accept": "application/json"},
	})
	if err != nil {
		return fmt.Errorf("wikipedia request failed: %w", err)
	}
	res := out.(map[string]any)
	if msg, ok := res["error"].(string); ok {
		return fmt.Errorf("wikipedia request failed: %s", msg)
	}
	body, ok := res["response_body"].(map[string]any)
	if !ok {
		return errors.New("unexpected response format from Wikipedia")
	}
	if apiErr, ok := body["error"].(map[string]any); ok {
		return fmt.Errorf("wikipedia API error: %v", apiErr["info"])
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unexpected response format from Wikipedia: %w", err)
	}
	return nil
}
