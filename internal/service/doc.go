// Package service exposes the named operations an external request-routing
// layer consumes: crawl control, distance queries, stats, clear, and
// snapshot export/import. Arguments are pre-validated by the router except
// for hop limits, which are checked here; absence of data resolves as nil
// answers, never as errors.
package service
