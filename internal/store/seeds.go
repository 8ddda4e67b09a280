// Package store - seed contract loading.
// Operators can bootstrap the store with known tool contracts from a YAML
// file instead of waiting for the engine to learn them from observation.
package store

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// SeedFile is the on-disk shape of a seed contract bundle.
type SeedFile struct {
	Contracts []SeedContract `yaml:"contracts"`
}

// SeedContract declares one tool's expected input shape.
type SeedContract struct {
	ToolID string      `yaml:"tool_id"`
	Fields []SeedField `yaml:"fields"`
}

// SeedField declares one field of a seed contract. Seeded beliefs start at
// full confidence; observation keeps or erodes them from there.
type SeedField struct {
	Path     string   `yaml:"path"`
	Type     string   `yaml:"type"`
	Unit     string   `yaml:"unit"`
	Required bool     `yaml:"required"`
	Enum     []string `yaml:"enum"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
}

// LoadSeedFile parses a YAML seed bundle.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &sf, nil
}

// SeedContracts loads a seed bundle and commits any contract the store does
// not already know about. Existing contracts are left untouched: observed
// evidence outranks operator priors.
//
// Seeded beliefs are authoritative from the first call: the enum and range
// stability counters start at the detector's thresholds (enumStableAfter,
// rangeMinObservations) so a declared enum or range can block immediately
// instead of waiting out the warm-up that learned contracts go through.
func (s *KnowledgeStore) SeedContracts(path string, enumStableAfter, rangeMinObservations int) (int, error) {
	if enumStableAfter <= 0 {
		enumStableAfter = 20
	}
	if rangeMinObservations <= 0 {
		rangeMinObservations = 10
	}

	sf, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for _, sc := range sf.Contracts {
		if sc.ToolID == "" {
			continue
		}

		if _, err := s.GetContract(sc.ToolID); err == nil {
			continue // already learned
		}

		contract := &types.ToolContract{
			ToolID: sc.ToolID,
			Fields: make(map[string]*types.ContractField),
		}

		now := time.Now().UTC()
		for _, f := range sc.Fields {
			field := &types.ContractField{
				Path:               f.Path,
				Type:               seedFieldType(f.Type),
				Unit:               f.Unit,
				Required:           f.Required,
				RequiredConfidence: 1.0,
				Confidence:         1.0,
				EnumValues:         append([]string(nil), f.Enum...),
				LastObserved:       now,
			}
			if len(f.Enum) > 0 {
				field.EnumObservations = enumStableAfter
			}
			if f.Min != nil && f.Max != nil {
				field.Min = *f.Min
				field.Max = *f.Max
				field.Mean = (*f.Min + *f.Max) / 2
				field.Count = rangeMinObservations
			}
			contract.Fields[f.Path] = field
		}

		if _, err := s.UpsertContract(contract); err != nil {
			return seeded, fmt.Errorf("failed to seed contract for %s: %w", sc.ToolID, err)
		}
		seeded++
	}

	logging.Store("Seeded %d contracts from %s", seeded, path)
	return seeded, nil
}

func seedFieldType(t string) types.FieldType {
	switch t {
	case "string":
		return types.FieldString
	case "int", "integer":
		return types.FieldInt
	case "float", "number":
		return types.FieldFloat
	case "bool", "boolean":
		return types.FieldBool
	case "object":
		return types.FieldObject
	case "array":
		return types.FieldArray
	default:
		return types.FieldUnknown
	}
}
