// Package api exposes the vault read model, per-recipient batcher ledgers and
// the keeper settlement queue over REST, plus the Prometheus scrape endpoint.
package api
