// Package mcpserver exposes an MCP server whose tools run on behalf of
// the user named by a verified access token. It adapts the token
// verifier to the MCP SDK's bearer-token middleware.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNoTokenInfo is returned by tools invoked outside an authenticated
// HTTP request.
var ErrNoTokenInfo = errors.New("no bearer token on request")

// RegisterTools adds all tools to the given MCP server.
func RegisterTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "whoami",
		Description: "Describe the caller: the user the access token was issued to, the OAuth client that obtained it, its granted scopes and when it expires.",
	}, whoamiHandler)
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// WhoAmIInput has no parameters.
type WhoAmIInput struct{}

// WhoAmIResult describes the access token behind the current request.
type WhoAmIResult struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// --- Handlers ---

func whoamiHandler(_ context.Context, req *mcp.CallToolRequest, _ WhoAmIInput) (*mcp.CallToolResult, *WhoAmIResult, error) {
	if req.Extra == nil || req.Extra.TokenInfo == nil {
		return nil, nil, ErrNoTokenInfo
	}

	info := req.Extra.TokenInfo
	clientID, _ := info.Extra[extraClientID].(string)

	result := &WhoAmIResult{
		UserID:    info.UserID,
		ClientID:  clientID,
		Scopes:    info.Scopes,
		ExpiresAt: info.Expiration.UTC(),
	}

	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
