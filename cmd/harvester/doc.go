// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Crawl: internal/crawler fetches the seed through the Colly fetcher, extracts resource and link URLs with
//     goquery, and recurses into same-origin pages within crawl.max_depth and crawl.max_pages. One visited set
//     is shared by the whole crawl.
//   - Schedule: internal/dispatcher deduplicates the discovered URLs by normalized key and starts one goroutine
//     per URL under an errgroup. A weighted semaphore bounds how many are in their network phase; a worker
//     gives its slot back while it sleeps between retries.
//   - Download: internal/worker claims the URL in the dedup store, leases a proxy (or goes direct when the pool is
//     empty), resumes partial files with Range requests, validates content type and size, and records the final
//     status. Store errors and cancellation abort the run; everything else is recorded per URL.
//   - Persist: the store is SQLite by default, Postgres or memory by db_config.driver. Completed files pass
//     through the hook chain (log, local mirror, GCS mirror, Pub/Sub notifier) whose failures never change the
//     recorded status.
//
// Quick checklist:
//   - Configure env vars with the HARVESTER_ prefix, e.g. HARVESTER_THREADS, HARVESTER_DB_CONFIG_DSN,
//     HARVESTER_PROXY_POOL_FEED_URL, HARVESTER_HOOKS_GCS_BUCKET.
//   - Run locally: go run ./cmd/harvester run --seed https://example.com --out downloads
//   - Audit: go run ./cmd/harvester report --status failed
//   - Set metrics.addr to serve /healthz, /readyz, /metrics and /v1/records during a run.
package main
