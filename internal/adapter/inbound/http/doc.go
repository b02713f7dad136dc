// Package http provides the HTTP surface of the gateway: the MCP proxy
// routes, the OAuth discovery pass-through, and the capture query API.
package http
