package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is one declarative migration case.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario demonstrates.
	Description string `yaml:"description"`

	// Schemas is the directory of .cue declarations, relative to the
	// scenario file.
	Schemas string `yaml:"schemas"`

	// Seed describes the store to build before migrating.
	Seed Seed `yaml:"seed"`

	// Assertions run against the migrated store and the plan.
	Assertions []Assertion `yaml:"assertions"`
}

// Seed is the pre-migration store: the version it is stamped at and the
// records it holds.
type Seed struct {
	Version string       `yaml:"version"`
	Records []SeedRecord `yaml:"records,omitempty"`
}

// SeedRecord inserts one record during seeding.
type SeedRecord struct {
	Entity string         `yaml:"entity"`
	Fields map[string]any `yaml:"fields"`
}

// Assertion checks one fact about the outcome. Which fields apply
// depends on Type; Load rejects combinations that make no sense.
type Assertion struct {
	Type string `yaml:"type"`

	// Version is the expected stamp (stamped_version).
	Version string `yaml:"version,omitempty"`

	// Entity names the checked entity (record_count, record_fields,
	// mapping_kind).
	Entity string `yaml:"entity,omitempty"`

	// Count is the exact expected record count (record_count).
	Count int64 `yaml:"count,omitempty"`

	// Where filters records by equality on each field; exactly one
	// record must match (record_fields).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect lists field values the matched record must carry; fields
	// it does not name are ignored (record_fields).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Hops is the expected plan, in order, as "V1 -> V2" strings
	// (plan_hops).
	Hops []string `yaml:"hops,omitempty"`

	// Hop narrows mapping_kind to one hop; empty searches every hop.
	Hop string `yaml:"hop,omitempty"`

	// Kind is the expected mapping classification (mapping_kind).
	Kind string `yaml:"kind,omitempty"`
}

// Assertion types.
const (
	AssertStampedVersion = "stamped_version"
	AssertRecordCount    = "record_count"
	AssertRecordFields   = "record_fields"
	AssertPlanHops       = "plan_hops"
	AssertMappingKind    = "mapping_kind"
)

// Load reads and validates a scenario file. Unknown YAML fields are
// rejected, so a typo fails loudly instead of silently weakening the
// scenario. The schemas path comes back resolved against the scenario
// file's directory.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}

	if s.Schemas != "" && !filepath.IsAbs(s.Schemas) {
		s.Schemas = filepath.Join(filepath.Dir(path), s.Schemas)
	}

	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schemas == "" {
		return fmt.Errorf("schemas directory is required")
	}
	if _, err := os.Stat(s.Schemas); err != nil {
		return fmt.Errorf("schemas directory %s: %w", s.Schemas, err)
	}
	if s.Seed.Version == "" {
		return fmt.Errorf("seed.version is required")
	}
	for i, rec := range s.Seed.Records {
		if rec.Entity == "" {
			return fmt.Errorf("seed.records[%d]: entity is required", i)
		}
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("at least one assertion is required")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertStampedVersion:
		if a.Version == "" {
			return fmt.Errorf("assertions[%d]: stamped_version needs version", i)
		}
	case AssertRecordCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: record_count needs entity", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: record_count needs a non-negative count", i)
		}
	case AssertRecordFields:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: record_fields needs entity", i)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: record_fields needs expect", i)
		}
	case AssertPlanHops:
		// An empty hops list asserts the plan was a no-op.
	case AssertMappingKind:
		if a.Entity == "" || a.Kind == "" {
			return fmt.Errorf("assertions[%d]: mapping_kind needs entity and kind", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
