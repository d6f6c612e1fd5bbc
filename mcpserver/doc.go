// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes tools
// for code and command execution. It uses the mark3labs/mcp-go library to
// handle the protocol details and provides execute_code and execute_command as
// the primary interface, plus process management tools (start_process,
// get_process_output, kill_process, list_processes) for long-running
// background processes.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, env)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
