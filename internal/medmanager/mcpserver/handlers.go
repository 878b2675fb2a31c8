package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/will-ku/med-management-ai/internal/charty/mcp"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

var errNothingToUpdate = errors.New("nothing to update: provide a dosage or a frequency")

type addPrescriptionArgs struct {
	MedicationID   int64  `mapstructure:"medicationId"`
	MedicationName string `mapstructure:"medicationName"`
	Dosage         string `mapstructure:"dosage"`
	Frequency      string `mapstructure:"frequency"`
}

type updatePrescriptionArgs struct {
	PrescriptionID int64   `mapstructure:"prescriptionId"`
	Dosage         *string `mapstructure:"dosage"`
	Frequency      *string `mapstructure:"frequency"`
}

type deletePrescriptionArgs struct {
	PrescriptionID int64 `mapstructure:"prescriptionId"`
}

func getPrescriptions(b Backend) toolHandler {
	return func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
		rx, err := b.ListPrescriptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("error fetching prescriptions: %w", err)
		}
		if len(rx) == 0 {
			return textResult("No prescriptions on file."), nil
		}
		parts := make([]string, len(rx))
		for i := range rx {
			parts[i] = fmt.Sprintf("[%d] %s", rx[i].ID, describe(&rx[i]))
		}
		return textResult(strings.Join(parts, "; ")), nil
	}
}

func addPrescription(b Backend) toolHandler {
	return func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		var in addPrescriptionArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}

		medID := in.MedicationID
		if medID == 0 {
			med, err := b.FindMedicationByName(ctx, strings.TrimSpace(in.MedicationName))
			if err != nil {
				return nil, err
			}
			medID = med.ID
		}

		p, err := b.CreatePrescription(ctx, store.NewPrescription{
			MedicationID: medID,
			Dosage:       in.Dosage,
			Frequency:    in.Frequency,
		})
		if err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("Added prescription %d: %s", p.ID, describe(p))), nil
	}
}

func updatePrescription(b Backend) toolHandler {
	return func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		var in updatePrescriptionArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		if in.Dosage == nil && in.Frequency == nil {
			return nil, errNothingToUpdate
		}

		p, err := b.UpdatePrescription(ctx, store.PrescriptionUpdate{
			ID:        in.PrescriptionID,
			Dosage:    in.Dosage,
			Frequency: in.Frequency,
		})
		if err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("Updated prescription %d: %s", p.ID, describe(p))), nil
	}
}

func deletePrescription(b Backend) toolHandler {
	return func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		var in deletePrescriptionArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, &mcp.ResponseError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		if err := b.DeletePrescription(ctx, in.PrescriptionID); err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("Deleted prescription %d", in.PrescriptionID)), nil
	}
}
