package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
)

// ToolCallFunc calls an MCP tool and returns the text of its result.
type ToolCallFunc func(ctx context.Context, params mcp.CallToolParams) (string, error)

// WebSearch augments a send with the results of a search tool served over MCP.
type WebSearch struct {
	call       ToolCallFunc
	tool       string
	maxResults int
}

type webSearchArguments struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// NewWebSearch creates a WebSearch calling tool through call.
func NewWebSearch(call ToolCallFunc, tool string, maxResults int) WebSearch {
	return WebSearch{
		call:       call,
		tool:       tool,
		maxResults: maxResults,
	}
}

// MCPToolCaller adapts an MCP client to a ToolCallFunc. Text contents of the result are joined with
// blank lines, and a result flagged as error is returned as an error.
func MCPToolCaller(cli *mcp.Client) ToolCallFunc {
	return func(ctx context.Context, params mcp.CallToolParams) (string, error) {
		res, err := cli.CallTool(ctx, params)
		if err != nil {
			return "", err
		}

		var texts []string
		for _, c := range res.Content {
			if c.Type == mcp.ContentTypeText && c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
		text := strings.Join(texts, "\n\n")

		if res.IsError {
			return "", fmt.Errorf("tool %s failed: %s", params.Name, text)
		}
		return text, nil
	}
}

// Augment searches for query and returns the results formatted for the system prompt. It returns an
// empty string when the search finds nothing.
func (w WebSearch) Augment(ctx context.Context, query string) (string, error) {
	if w.call == nil {
		return "", errors.New("web search is not configured")
	}

	args, err := json.Marshal(webSearchArguments{Query: query, MaxResults: w.maxResults})
	if err != nil {
		return "", fmt.Errorf("failed to marshal arguments: %w", err)
	}

	text, err := w.call(ctx, mcp.CallToolParams{Name: w.tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", w.tool, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	return "Web search results for the user's latest message:\n\n" + text, nil
}
