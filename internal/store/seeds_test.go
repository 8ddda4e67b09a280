package store

import (
	"os"
	"path/filepath"
	"testing"

	"toolmend/internal/types"
)

const seedYAML = `
contracts:
  - tool_id: payment_tool
    fields:
      - path: user_id
        type: string
        required: true
      - path: amount_cents
        type: int
        unit: cents
        required: true
        min: 50
        max: 50000
      - path: currency
        type: string
        enum: [USD, EUR, GBP]
`

func TestSeedContracts(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(t.TempDir(), "seeds.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	n, err := s.SeedContracts(path, 20, 10)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 1 {
		t.Errorf("seeded %d contracts, want 1", n)
	}

	c, err := s.GetContract("payment_tool")
	if err != nil {
		t.Fatalf("get seeded contract: %v", err)
	}
	f := c.Field("amount_cents")
	if f == nil || f.Type != types.FieldInt || f.Unit != "cents" {
		t.Errorf("seeded field wrong: %+v", f)
	}
	if f.Confidence != 1.0 {
		t.Errorf("seeded confidence = %g, want 1.0", f.Confidence)
	}

	// A seeded belief is authoritative from the first call: the stability
	// counters start at the thresholds so the range and enum checks do not
	// wait out the learned-contract warm-up.
	if f.Count != 10 {
		t.Errorf("seeded range count = %d, want 10", f.Count)
	}
	cur := c.Field("currency")
	if cur == nil || cur.EnumObservations != 20 {
		t.Errorf("seeded enum observations wrong: %+v", cur)
	}

	// Seeding again must not overwrite the learned contract.
	n, err = s.SeedContracts(path, 20, 10)
	if err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	if n != 0 {
		t.Errorf("re-seed touched %d contracts, want 0", n)
	}
}
