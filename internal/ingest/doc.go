// Package ingest defines the core types and interfaces shared by the
// fetch, parse, and upsert subsystems. It includes the structured match
// document model, fetch request/result types, and the sentinel errors
// the pipeline uses to classify outcomes.
package ingest
