// Package main is the entry point for the coderun server.
//
// The server runs untrusted Python and C++ submissions in short-lived,
// network-less containers and reports their output, errors, runtime and
// peak memory. With the stdio transport it speaks the Model Context
// Protocol on stdin/stdout. With the http transport it serves a JSON API
// (/run, /generate, /optimize), Prometheus metrics on /metrics and the
// MCP streamable transport on /mcp.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
