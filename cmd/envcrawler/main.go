// Package main is the envcrawler executable.
//
// Architecture overview:
//   - Registry: internal/registry holds the embedded Vietnamese location catalog and resolves the
//     target list of a crawl from location ids, provinces, and a limit.
//   - Providers: internal/provider builds one adapter per upstream (OpenWeather, IQAir, WAQI,
//     aqicn.org, Open-Meteo, SoilGrids, NASA POWER); each turns one location into one normalized
//     record and shares a per-upstream token bucket from internal/policy/ratelimit.
//   - Dispatcher & worker: a crawl expands into a provider x location work set that a bounded
//     pool processes under one job deadline. Each item goes cache -> retry/backoff -> adapter.
//   - Emitter: finished jobs become one CSV batch plus a summary, stored in the configured
//     BlobStore (local/GCS/memory), recorded in the JobStore (memory/Postgres), and announced
//     on the configured Publisher (memory/Pub/Sub/Kafka).
//   - Surfaces: `envcrawler serve` exposes the chi HTTP API; `envcrawler crawl` runs one job
//     in-process; `envcrawler locations` prints the catalog.
//
// Quick checklist:
//   - Provider keys: ENVCRAWLER_PROVIDERS_OPENWEATHER_API_KEY, ENVCRAWLER_PROVIDERS_IQAIR_API_KEY,
//     ENVCRAWLER_PROVIDERS_WAQI_API_KEY (or a .env file; ENVCRAWLER_DOTENV points at another one).
//   - Run locally: go run ./cmd/envcrawler crawl --domain air --limit 3 --out air.csv
package main

import (
	"github.com/vnenv/envcrawler/cmd"
)

func main() {
	cmd.Execute()
}
