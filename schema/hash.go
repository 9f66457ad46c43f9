package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// Domain prefixes for identity hashing. The version suffix leaves room
// for changing the canonical form without colliding with old hashes.
const (
	domainEntity = "strata/entity/v1"
	domainModel  = "strata/model/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data). The null byte
// keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// entityHash hashes one resolved concrete entity over its canonical form.
// The form covers everything that shapes storage or runtime behavior:
// property names, kinds, types, optionality, defaults, coders,
// relationship targets, inverses, cardinalities and delete rules, the
// uniqueness and index requests, and the hash modifier. RenamedFrom and
// Configuration are excluded; the first names the previous version, the
// second is routing metadata.
func entityHash(e Entity) (string, error) {
	form, err := canonicalEntityForm(e)
	if err != nil {
		return "", err
	}
	data, err := MarshalCanonical(form)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domainEntity, data), nil
}

// modelHash hashes the sorted entity-hash table.
func modelHash(hashes map[string]string) (string, error) {
	form := make(map[string]any, len(hashes))
	for name, h := range hashes {
		form[name] = h
	}
	data, err := MarshalCanonical(form)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domainModel, data), nil
}

func canonicalEntityForm(e Entity) (map[string]any, error) {
	props := make([]any, 0, len(e.Properties))
	for _, p := range e.Properties {
		form, err := canonicalPropertyForm(e, p)
		if err != nil {
			return nil, err
		}
		props = append(props, form)
	}
	form := map[string]any{
		"name":       e.Name,
		"properties": props,
	}
	if len(e.Unique) > 0 {
		form["unique"] = canonicalGroups(e.Unique)
	}
	if len(e.Indexes) > 0 {
		form["indexes"] = canonicalGroups(e.Indexes)
	}
	if e.HashModifier != "" {
		form["hashModifier"] = e.HashModifier
	}
	return form, nil
}

func canonicalPropertyForm(e Entity, p Property) (map[string]any, error) {
	switch p.Kind {
	case KindAttribute:
		form := map[string]any{
			"kind":     "attribute",
			"name":     p.Name,
			"type":     p.Type.String(),
			"optional": p.Optional,
		}
		if p.Default != nil {
			lit, err := defaultLiteral(p.Type, p.Default)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Name, err)
			}
			form["default"] = lit
		}
		if p.Coder != "" {
			form["coder"] = p.Coder
		}
		return form, nil
	case KindRelationship:
		form := map[string]any{
			"kind":        "relationship",
			"name":        p.Name,
			"target":      p.Target,
			"cardinality": p.Cardinality.String(),
			"deleteRule":  p.DeleteRule.String(),
			"optional":    p.Optional,
		}
		if p.Unidirectional {
			form["unidirectional"] = true
		} else {
			form["inverse"] = p.Inverse
		}
		return form, nil
	default:
		return nil, fmt.Errorf("%s.%s: property kind %v has no canonical form", e.Name, p.Name, p.Kind)
	}
}

// canonicalGroups renders constraint groups order-independently across
// groups while preserving column order within each group (column order is
// index shape).
func canonicalGroups(groups [][]string) []any {
	rendered := make([]string, len(groups))
	for i, g := range groups {
		rendered[i] = strings.Join(g, ",")
	}
	slices.Sort(rendered)
	out := make([]any, len(rendered))
	for i, r := range rendered {
		out[i] = r
	}
	return out
}
