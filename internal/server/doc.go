// Package server exposes the control API: session lifecycle endpoints,
// live composition switching, health, and metrics. It owns the HTTP
// middleware chain; domain logic stays in the orchestrator.
package server
