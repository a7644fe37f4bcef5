// Package server implements the file sharing HTTP service: the metadata
// store, the chunked file store, the upload orchestrator and download
// streamer, and the supporting logging, metrics, health and mirror
// machinery. Dependencies (database handle, upload root, logger) are
// created by the binary and injected through Config.
package server
