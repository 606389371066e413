package websearch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultGoogleEndpoint is the Custom Search JSON API endpoint.
const DefaultGoogleEndpoint = "https://www.googleapis.com/customsearch/v1"

// GoogleProvider queries Google Custom Search.
type GoogleProvider struct {
	apiKey   string
	cx       string
	endpoint string
	t        *transport
}

// NewGoogle returns a Google provider. An empty endpoint uses the default.
func NewGoogle(apiKey, cx, endpoint string, o Options) *GoogleProvider {
	if endpoint == "" {
		endpoint = DefaultGoogleEndpoint
	}
	return &GoogleProvider{apiKey: apiKey, cx: cx, endpoint: endpoint, t: newTransport(o)}
}

func (g *GoogleProvider) Name() string { return Google }

type googleResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func (g *GoogleProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	// The API accepts 1..10.
	num := min(max(maxResults, 1), 10)

	var resp googleResponse
	err := g.t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		q.Set("key", g.apiKey)
		q.Set("cx", g.cx)
		q.Set("q", query)
		q.Set("num", strconv.Itoa(num))
		return http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, Result{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return truncate(out, maxResults), nil
}
