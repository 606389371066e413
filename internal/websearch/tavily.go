package websearch

import (
	"cmp"
	"context"
	"net/http"
)

// DefaultTavilyEndpoint is the Tavily search endpoint.
const DefaultTavilyEndpoint = "https://api.tavily.com/search"

// TavilyProvider queries Tavily.
type TavilyProvider struct {
	apiKey   string
	endpoint string
	t        *transport
}

// NewTavily returns a Tavily provider. An empty endpoint uses the default.
func NewTavily(apiKey, endpoint string, o Options) *TavilyProvider {
	if endpoint == "" {
		endpoint = DefaultTavilyEndpoint
	}
	return &TavilyProvider{apiKey: apiKey, endpoint: endpoint, t: newTransport(o)}
}

func (p *TavilyProvider) Name() string { return Tavily }

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Name    string `json:"name"`
		URL     string `json:"url"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Content string `json:"content"`
	} `json:"results"`
}

func (p *TavilyProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	var resp tavilyResponse
	err := p.t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		body, err := jsonBody(tavilyRequest{Query: query, MaxResults: maxResults})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Result{
			Title:   cmp.Or(r.Title, r.Name),
			URL:     cmp.Or(r.URL, r.Link),
			Snippet: cmp.Or(r.Snippet, r.Content),
		})
	}
	return truncate(out, maxResults), nil
}
