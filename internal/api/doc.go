// Package api hosts the status server operators use to watch a run.
// Routes:
//   - GET /healthz and /readyz for probes; readyz queries the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/stats for counts per status and the phone total.
//   - GET /api/accounts?status=&limit=&offset= and /api/accounts/{account_id}.
package api
