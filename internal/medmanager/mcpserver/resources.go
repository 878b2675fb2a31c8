package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/will-ku/med-management-ai/internal/charty/mcp"
)

const prescriptionURI = "prescription://"

var prescriptionResource = mcp.Resource{
	URI:         prescriptionURI,
	Name:        "Gets all prescriptions for a user",
	Description: "Every prescription on file joined with its medication name. There is a single patient, so this is the whole prescriptions table.",
	MIMEType:    "application/json",
}

func (s *Server) handleReadResource(ctx context.Context, params json.RawMessage) (any, *mcp.ResponseError) {
	var p mcp.ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: "invalid resources/read params"}
	}
	if p.URI != prescriptionURI {
		return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: "unknown resource: " + p.URI}
	}

	rx, err := s.backend.ListPrescriptions(ctx)
	if err != nil {
		s.logger.Error("read prescriptions resource", "err", err)
		return nil, &mcp.ResponseError{Code: mcp.CodeInternalError, Message: "error fetching prescriptions"}
	}
	data, err := json.MarshalIndent(rx, "", "  ")
	if err != nil {
		return nil, &mcp.ResponseError{Code: mcp.CodeInternalError, Message: err.Error()}
	}
	return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{
		URI:      prescriptionURI,
		MIMEType: "application/json",
		Text:     string(data),
	}}}, nil
}
