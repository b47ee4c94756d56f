package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/tessera/internal/source"
)

const maxMessageSize = 32 << 20 // 32 MB

var allowedMIME = map[string]bool{
	"message/rfc822": true,
	"text/plain":     true,
}

func (s *Server) ingestMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := req.GetString("content", "")
	dataURI := req.GetString("data", "")

	var data []byte
	switch {
	case content != "" && dataURI != "":
		return mcp.NewToolResultError("pass either content or data, not both"), nil
	case content != "":
		data = []byte(content)
	case dataURI != "":
		var err error
		if data, err = decodeDataURI(dataURI); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	default:
		return mcp.NewToolResultError("content or data is required"), nil
	}
	if len(data) > maxMessageSize {
		return mcp.NewToolResultError(fmt.Sprintf("message too large: %d bytes (max %d)", len(data), maxMessageSize)), nil
	}

	filename := req.GetString("filename", "")
	if filename == "" {
		filename = uuid.NewString() + source.Ext
	}

	rep, err := s.svc.Upload(ctx, req.GetString("mailbox", ""), filename, data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}

// decodeDataURI parses a data:<mediatype>;base64,<data> URI.
func decodeDataURI(uri string) ([]byte, error) {
	rest := strings.TrimPrefix(uri, "data:")
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("invalid data URI: missing comma separator")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("only base64 data URIs are supported")
	}
	mime := strings.Split(strings.TrimSuffix(meta, ";base64"), ";")[0]
	if !allowedMIME[mime] {
		return nil, fmt.Errorf("unsupported MIME type in data URI: %s", mime)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	return data, nil
}
