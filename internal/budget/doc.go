// Package budget records the token and cost usage of billed operations
// and gates expensive calls against daily and monthly limits.
//
// Windows are rolling: daily covers the 24 hours before now and monthly
// the 30 days before now. A limit of zero is unlimited. Logging an event
// never fails because of limits; enforcement happens in Gate, before the
// expensive call is made.
//
// Limit checks read totals and act without holding a lock across the
// guarded call, so concurrent requests may both pass a check that only
// one of them should have. Enforcement is best-effort.
package budget
