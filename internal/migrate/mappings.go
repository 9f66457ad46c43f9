package migrate

import (
	"fmt"
	"sync"
)

// RecordTransform rewrites one source record into target fields during a
// custom entity mapping. The input map holds the source record's fields
// plus its key under "pk"; the returned map uses target property names
// and must not set "pk". Returning a nil map with a nil error drops the
// record.
type RecordTransform func(src map[string]any) (map[string]any, error)

// CustomMapping overrides the inferred mapping for one target entity
// within one version hop.
type CustomMapping struct {
	// TargetEntity names the entity in the destination version.
	TargetEntity string
	// SourceEntity names the entity in the source version. Empty means
	// the target's own resolution: its RenamedFrom if set, else its name.
	SourceEntity string
	// Transform rewrites each source record. A nil Transform keeps the
	// source fields that share a target property name and drops the rest.
	Transform RecordTransform
}

type mappingKey struct {
	from, to, entity string
}

// Mappings registers custom entity mappings, keyed by source version,
// destination version and target entity. The planner consults it when
// structural inference is not enough, and a registered mapping always
// wins over inference.
type Mappings struct {
	mu sync.RWMutex
	m  map[mappingKey]CustomMapping
}

// NewMappings returns an empty registry.
func NewMappings() *Mappings {
	return &Mappings{m: make(map[mappingKey]CustomMapping)}
}

// Register adds a custom mapping for the from -> to hop. Registering a
// second mapping for the same hop and target entity replaces the first.
func (ms *Mappings) Register(from, to string, cm CustomMapping) error {
	if cm.TargetEntity == "" {
		return fmt.Errorf("custom mapping for %s -> %s names no target entity", from, to)
	}
	if from == "" || to == "" {
		return fmt.Errorf("custom mapping for %q needs both versions", cm.TargetEntity)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.m[mappingKey{from: from, to: to, entity: cm.TargetEntity}] = cm
	return nil
}

// Lookup resolves the custom mapping for one target entity of a hop.
func (ms *Mappings) Lookup(from, to, targetEntity string) (CustomMapping, bool) {
	if ms == nil {
		return CustomMapping{}, false
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	cm, ok := ms.m[mappingKey{from: from, to: to, entity: targetEntity}]
	return cm, ok
}
