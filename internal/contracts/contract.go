package contracts

import (
	"fmt"
	"sort"

	"github.com/sentryflow/sentryflow/internal/canonical"
)

// Field describes one column of a Contract.
type Field struct {
	Name         string      `json:"name"`
	OriginalName string      `json:"original_name"`
	Type         string      `json:"type"`
	Required     bool        `json:"required"`
	Source       FieldSource `json:"source"`
}

// Contract is a schema descriptor: a mode plus an ordered field tuple.
// Contracts are immutable once Locked; construct via NewContract and lock
// with Lock before sharing across goroutines.
type Contract struct {
	Mode    ContractMode `json:"mode"`
	Fields  []Field      `json:"fields"`
	Locked  bool         `json:"locked"`
	version string
}

// NewContract builds an unlocked contract from a mode and ordered fields.
func NewContract(mode ContractMode, fields []Field) *Contract {
	return &Contract{Mode: mode, Fields: append([]Field(nil), fields...)}
}

// Lock freezes the contract and computes its stable version hash. Locking
// twice is a no-op; mutating a locked contract's Fields slice in place is a
// caller bug (Contract does not defensively copy on read for performance —
// treat the returned slice as read-only).
func (c *Contract) Lock() error {
	if c.Locked {
		return nil
	}
	v, err := c.computeVersion()
	if err != nil {
		return err
	}
	c.version = v
	c.Locked = true
	return nil
}

// Version returns the contract's stable version hash. Panics if called
// before Lock — an unlocked contract's structure may still change and a
// version computed early would be misleading.
func (c *Contract) Version() string {
	if !c.Locked {
		panic("contracts: Version() called on unlocked contract")
	}
	return c.version
}

func (c *Contract) computeVersion() (string, error) {
	normalized := struct {
		Mode   ContractMode `json:"mode"`
		Fields []Field      `json:"fields"`
	}{Mode: c.Mode, Fields: c.Fields}
	return canonical.Hash(normalized)
}

// FieldByName returns the field with the given normalized name, if present.
func (c *Contract) FieldByName(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks a row mapping against the contract's mode semantics.
// Fixed mode rejects keys not declared in Fields. Flexible and observed
// modes accept extras. Required declared fields missing from data are
// always rejected regardless of mode.
func (c *Contract) Validate(data map[string]interface{}) error {
	declared := make(map[string]Field, len(c.Fields))
	for _, f := range c.Fields {
		declared[f.Name] = f
	}

	for _, f := range c.Fields {
		if !f.Required {
			continue
		}
		if _, ok := data[f.Name]; !ok {
			return fmt.Errorf("contracts: required field %q missing", f.Name)
		}
	}

	if c.Mode == ContractFixed {
		for k := range data {
			if _, ok := declared[k]; !ok {
				return fmt.Errorf("contracts: field %q not declared in fixed contract", k)
			}
		}
	}
	return nil
}

// BuildUnionContract builds the schema for a coalesce node's union merge strategy:
// branch contracts are flattened into one, overlapping fields must declare
// compatible types.
func BuildUnionContract(branches map[string]*Contract) (*Contract, error) {
	byName := make(map[string]Field)
	names := make([]string, 0)
	for branch, c := range branches {
		if c == nil {
			continue
		}
		for _, f := range c.Fields {
			if existing, ok := byName[f.Name]; ok {
				if existing.Type != f.Type {
					return nil, fmt.Errorf(
						"contracts: union merge type conflict on field %q: %s (from earlier branch) vs %s (from branch %q)",
						f.Name, existing.Type, f.Type, branch,
					)
				}
				continue
			}
			byName[f.Name] = f
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	fields := make([]Field, 0, len(names))
	for _, n := range names {
		fields = append(fields, byName[n])
	}
	return NewContract(ContractFlexible, fields), nil
}

// BuildNestedContract builds the schema for a coalesce node's nested merge
// strategy: one field per branch, each typed "any".
func BuildNestedContract(branchNames []string) *Contract {
	fields := make([]Field, 0, len(branchNames))
	sorted := append([]string(nil), branchNames...)
	sort.Strings(sorted)
	for _, name := range sorted {
		fields = append(fields, Field{Name: name, OriginalName: name, Type: "any", Source: FieldInferred})
	}
	return NewContract(ContractFlexible, fields)
}

// BuildSelectContract builds the schema for a coalesce node's select merge
// strategy: adopt the selected branch's contract unchanged.
func BuildSelectContract(selected *Contract) *Contract {
	if selected == nil {
		return NewContract(ContractObserved, nil)
	}
	return NewContract(selected.Mode, selected.Fields)
}

// IntersectGuaranteed computes the guaranteed_fields propagation rule: the
// intersection of required-field names across branch contracts.
func IntersectGuaranteed(branches []*Contract) []string {
	if len(branches) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, c := range branches {
		if c == nil {
			continue
		}
		seen := make(map[string]struct{})
		for _, f := range c.Fields {
			if !f.Required {
				continue
			}
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			counts[f.Name]++
		}
	}
	out := make([]string, 0)
	for name, n := range counts {
		if n == len(branches) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// UnionAudit computes the audit_fields propagation rule: the union of all
// field names across branch contracts.
func UnionAudit(branches []*Contract) []string {
	seen := make(map[string]struct{})
	for _, c := range branches {
		if c == nil {
			continue
		}
		for _, f := range c.Fields {
			seen[f.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
