// Package crawler defines the shared domain types, ports, errors, and retry
// policy used by the environmental ingestion pipeline: locations, provider
// specs, raw records, crawl jobs, and the adapter/cache/store contracts that
// the dispatcher, worker, and emitter are built against.
package crawler
