// Package server exposes the orchestrator over HTTP: instance status and
// control, definitions, metrics, and a WebSocket stream of transitions
package server
