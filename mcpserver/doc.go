// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the code runner to MCP clients through the
// execute_code tool, and the code assistant through generate_code and
// optimize_code. It uses the mark3labs/mcp-go library for the protocol
// details.
//
// The server runs on stdio, or over HTTP when its Handler is mounted on the
// REST router.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, executor, assistant)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio()
package mcpserver
