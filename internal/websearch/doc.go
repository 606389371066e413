// Package websearch implements the external web search providers (Bing,
// Google Custom Search, Tavily) and the registry that orders them.
//
// Providers return an error on any transport, status or decoding failure
// rather than partial data. Each provider shares a rate limiter and a
// per-call timeout.
package websearch
