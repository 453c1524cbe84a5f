// Package api serves the harness over HTTP: flow submission, execution
// queries, tool-call ingestion and consolidated session lookups.
package api
