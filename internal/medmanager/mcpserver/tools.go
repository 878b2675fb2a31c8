package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

// Tool names.
const (
	ToolGetPrescriptions   = "get_prescriptions"
	ToolAddPrescription    = "add_prescription"
	ToolUpdatePrescription = "update_prescription"
	ToolDeletePrescription = "delete_prescription"
)

type toolHandler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

type tool struct {
	def     mcp.Tool
	schema  *jsonschema.Schema
	handler toolHandler
}

// toolset holds the tools in advertised order.
type toolset struct {
	order  []string
	byName map[string]*tool
}

const getPrescriptionsSchema = `{
	"type": "object",
	"properties": {},
	"required": []
}`

const addPrescriptionSchema = `{
	"type": "object",
	"properties": {
		"medicationId": {"type": "integer", "description": "The ID of the medication to prescribe."},
		"medicationName": {"type": "string", "description": "The name of the medication, used when the ID is unknown."},
		"dosage": {"type": "string", "description": "The dosage of the prescription, e.g. 10mg."},
		"frequency": {"type": "string", "description": "How often to take it, e.g. Once daily."}
	},
	"required": ["dosage", "frequency"],
	"anyOf": [
		{"required": ["medicationId"]},
		{"required": ["medicationName"]}
	]
}`

const updatePrescriptionSchema = `{
	"type": "object",
	"properties": {
		"prescriptionId": {"type": "integer", "description": "The ID of the prescription to update."},
		"frequency": {"type": "string", "description": "The frequency of the prescription."},
		"dosage": {"type": "string", "description": "The dosage of the prescription."}
	},
	"required": ["prescriptionId"]
}`

const deletePrescriptionSchema = `{
	"type": "object",
	"properties": {
		"prescriptionId": {"type": "integer", "description": "The ID of the prescription to delete."}
	},
	"required": ["prescriptionId"]
}`

func newToolset(b Backend) (*toolset, error) {
	ts := &toolset{byName: make(map[string]*tool)}
	defs := []struct {
		name, desc, schema string
		handler            toolHandler
	}{
		{
			ToolGetPrescriptions,
			"Gets all prescriptions for the patient. There is a single patient, so this lists every prescription on file.",
			getPrescriptionsSchema,
			getPrescriptions(b),
		},
		{
			ToolAddPrescription,
			"Adds a prescription for a medication from the catalog, identified by ID or name.",
			addPrescriptionSchema,
			addPrescription(b),
		},
		{
			ToolUpdatePrescription,
			"Updates the dosage and/or frequency of an existing prescription.",
			updatePrescriptionSchema,
			updatePrescription(b),
		},
		{
			ToolDeletePrescription,
			"Deletes a prescription.",
			deletePrescriptionSchema,
			deletePrescription(b),
		},
	}
	for _, d := range defs {
		schema, err := jsonschema.CompileString("mem://medmanager/"+d.name+".json", d.schema)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", d.name, err)
		}
		ts.order = append(ts.order, d.name)
		ts.byName[d.name] = &tool{
			def: mcp.Tool{
				Name:        d.name,
				Description: d.desc,
				InputSchema: json.RawMessage(d.schema),
			},
			schema:  schema,
			handler: d.handler,
		}
	}
	return ts, nil
}

func (ts *toolset) list() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.byName[name].def)
	}
	return out
}

// call validates raw arguments and runs the tool. Unknown tools and invalid
// arguments are returned as *mcp.ResponseError; domain failures come back as
// a result with IsError set.
func (ts *toolset) call(ctx context.Context, name string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	t, ok := ts.byName[name]
	if !ok {
		return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: "Invalid tool name: " + name}
	}

	args := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: "arguments must be a JSON object"}
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	if err := t.schema.Validate(args); err != nil {
		return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
	}

	res, err := t.handler(ctx, args)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, errNothingToUpdate) {
		return errorResult(err.Error()), nil
	}
	return res, err
}

// decodeArgs decodes validated arguments into a typed struct.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentItem{mcp.TextContent(text)}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.ContentItem{mcp.TextContent(text)}}
}

func describe(p *store.Prescription) string {
	return fmt.Sprintf("%s: %s, %s", p.MedicationName, p.Dosage, p.Frequency)
}
