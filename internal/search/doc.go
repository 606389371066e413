// Package search implements the unified search orchestrator.
//
// A request passes through at most four stages, in order: a cache check,
// local memory search, web search across the configured providers in
// priority order, and escalation to a remote summarizer. Privacy settings
// decide whether the web stage may run at all and every string that
// leaves the machine is redacted first. The budget ledger is consulted
// before escalation spends anything.
//
// Only two conditions fail a request: a blank query (ErrInvalidRequest)
// and web search requested while it is disabled or has no providers
// (ErrUnavailable). Cache, provider and escalation failures are logged
// and the result degrades to whatever the earlier stages produced.
package search
