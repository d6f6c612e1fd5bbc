// Package main is the entry point for the Runbox MCP server.
//
// The Runbox server implements a configurable Model Context Protocol (MCP)
// server that executes code and shell commands through a uniform result
// protocol. Executions run either in isolated per-call interpreter processes
// or in a shared long-lived interpreter that preserves state between calls,
// and long-running daemon processes are supervised by a process registry.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
