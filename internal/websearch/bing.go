package websearch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultBingEndpoint is the Bing Web Search v7 endpoint.
const DefaultBingEndpoint = "https://api.bing.microsoft.com/v7.0/search"

// BingProvider queries Bing Web Search.
type BingProvider struct {
	apiKey   string
	endpoint string
	t        *transport
}

// NewBing returns a Bing provider. An empty endpoint uses the default.
func NewBing(apiKey, endpoint string, o Options) *BingProvider {
	if endpoint == "" {
		endpoint = DefaultBingEndpoint
	}
	return &BingProvider{apiKey: apiKey, endpoint: endpoint, t: newTransport(o)}
}

func (b *BingProvider) Name() string { return Bing }

type bingResponse struct {
	WebPages struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

func (b *BingProvider) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	var resp bingResponse
	err := b.t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		q.Set("q", query)
		q.Set("count", strconv.Itoa(maxResults))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", b.apiKey)
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(resp.WebPages.Value))
	for _, v := range resp.WebPages.Value {
		out = append(out, Result{Title: v.Name, URL: v.URL, Snippet: v.Snippet})
	}
	return truncate(out, maxResults), nil
}
