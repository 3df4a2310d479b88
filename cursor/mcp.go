package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chanarchive/kit"
)

// RegisterMCP registers the archive's read-only tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerWatermarkTool(srv)
	s.registerStatsTool(srv)
	s.registerRunsTool(srv)
	s.registerChannelsTool(srv)
}

// wrap applies the middleware shared by every tool.
func (s *Service) wrap(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.logger, name), kit.Recover(s.logger, name))(ep)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

var channelIDProp = map[string]any{"type": "string", "description": "Discord or Telegram channel ID"}

type channelRequest struct {
	ChannelID string `json:"channel_id"`
	Limit     int    `json:"limit,omitempty"`
}

func decodeChannel(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r channelRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	if r.ChannelID == "" {
		return nil, errors.New("channel_id is required")
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- watermark ---

type watermarkResponse struct {
	ChannelID string `json:"channel_id"`
	Watermark *int64 `json:"watermark"`
}

func (s *Service) registerWatermarkTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chanarchive_watermark",
		Description: "Highest archived message ID of a channel (null when nothing is archived yet). The next ingest resumes after it.",
		InputSchema: inputSchema(map[string]any{"channel_id": channelIDProp}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*channelRequest)
		wm, err := s.Watermark(ctx, r.ChannelID)
		if err != nil {
			return nil, err
		}
		return &watermarkResponse{ChannelID: r.ChannelID, Watermark: wm}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeChannel)
}

// --- stats ---

func (s *Service) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chanarchive_stats",
		Description: "Channel metadata with message count, distinct authors, first/last message time and watermark.",
		InputSchema: inputSchema(map[string]any{"channel_id": channelIDProp}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*channelRequest)
		st, err := s.Status(ctx, r.ChannelID)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("channel %s not found", r.ChannelID)
		}
		return st, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeChannel)
}

// --- runs ---

func (s *Service) registerRunsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chanarchive_runs",
		Description: "Recent extraction runs of a channel, newest first, with status and written/skipped/rejected counters.",
		InputSchema: inputSchema(map[string]any{
			"channel_id": channelIDProp,
			"limit":      map[string]any{"type": "integer", "description": "Max runs (default 20)"},
		}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*channelRequest)
		runs, err := s.Runs(ctx, r.ChannelID, r.Limit)
		if err != nil {
			return nil, err
		}
		if runs == nil {
			runs = []*Run{}
		}
		return runs, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeChannel)
}

// --- channels ---

func (s *Service) registerChannelsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chanarchive_channels",
		Description: "List all archived channels with their last completed backfill time.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		chs, err := s.Channels(ctx)
		if err != nil {
			return nil, err
		}
		if chs == nil {
			chs = []*Channel{}
		}
		return chs, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decode)
}
