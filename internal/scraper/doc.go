// Package scraper declares the capabilities the harvest and scrape stages
// consume (page driver, CRM site, clock, publisher, blob store) together with
// the shared retry, delay, and per-account result primitives.
package scraper
