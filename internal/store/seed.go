package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sensornet/ingest-server/internal/model"
)

// Seed is the reference data loaded at startup.
//
//	types:
//	  - {type_code: 3, symbol: "°C", name: temperatura}
//	nodes:
//	  - {id: 7, identifier: nodo-7, battery_percent: 90, type_codes: [3]}
//	alert_ranges:
//	  - {type_code: 3, max: 45}
type Seed struct {
	Types       []model.MeasurementType `yaml:"types"`
	Nodes       []SeedNode              `yaml:"nodes"`
	AlertRanges []model.AlertRange      `yaml:"alert_ranges"`
}

// SeedNode is a node whose measurement types are named by wire code. Active defaults to true
// and only applies when the node is created.
type SeedNode struct {
	ID             int64    `yaml:"id"`
	Identifier     string   `yaml:"identifier"`
	Description    string   `yaml:"description"`
	BatteryPercent int      `yaml:"battery_percent"`
	Latitude       *float64 `yaml:"latitude"`
	Longitude      *float64 `yaml:"longitude"`
	Active         *bool    `yaml:"is_active"`
	TypeCodes      []int64  `yaml:"type_codes"`
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}

	for i, n := range seed.Nodes {
		if n.Identifier == "" {
			return Seed{}, fmt.Errorf("seed node %d: identifier is required", i)
		}
	}
	for i, t := range seed.Types {
		if t.Symbol == "" || t.Name == "" {
			return Seed{}, fmt.Errorf("seed type %d: symbol and name are required", i)
		}
	}
	return seed, nil
}

// ApplySeed upserts the seed's types and nodes in one transaction. Alert ranges replace
// the stored set when the seed lists any.
func (s *Store) ApplySeed(ctx context.Context, seed Seed) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		typeIDs := make(map[int64]int64, len(seed.Types))
		for _, t := range seed.Types {
			id, err := tx.UpsertType(ctx, t)
			if err != nil {
				return err
			}
			typeIDs[t.TypeCode] = id
		}

		for _, n := range seed.Nodes {
			node := model.Node{
				ID:             n.ID,
				Identifier:     n.Identifier,
				Description:    n.Description,
				BatteryPercent: n.BatteryPercent,
				Latitude:       n.Latitude,
				Longitude:      n.Longitude,
				Active:         n.Active == nil || *n.Active,
			}
			for _, code := range n.TypeCodes {
				id, ok := typeIDs[code]
				if !ok {
					t, err := tx.FindTypeByCode(ctx, code)
					if err != nil {
						return err
					}
					if t == nil {
						return fmt.Errorf("seed node %q: unknown type code %d", n.Identifier, code)
					}
					id = t.ID
				}
				node.TypeIDs = append(node.TypeIDs, id)
			}
			if _, err := tx.seedNode(ctx, node); err != nil {
				return err
			}
		}

		if err := tx.syncNodeSequence(ctx); err != nil {
			return err
		}

		if len(seed.AlertRanges) > 0 {
			return tx.ReplaceAlertRanges(ctx, seed.AlertRanges)
		}
		return nil
	})
}
