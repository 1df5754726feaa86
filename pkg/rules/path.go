// Package rules implements the expression layer of the workflow engine:
// parsing of datasource variable references, extraction of the variables a
// serialized rule uses, and evaluation of a rule against resolved data.
package rules

import (
	"strconv"
	"strings"
)

// CollectionIndex addresses one element of a collection-valued namespace.
// Either Latest is true or N holds an explicit zero-based index.
type CollectionIndex struct {
	Latest bool
	N      int
}

func (ci CollectionIndex) String() string {
	if ci.Latest {
		return "latest"
	}
	return strconv.Itoa(ci.N)
}

// VariablePath is the structured form of a variable reference such as
// "patient.age" or "vitals[latest].systolic_blood_pressure". FieldPath may be
// empty; Index is nil for the plain dotted form.
type VariablePath struct {
	Namespace string
	Index     *CollectionIndex
	FieldPath []string
}

// ParseVariablePath parses a variable reference string. It returns nil when
// the string does not match the grammar: a bare namespace without any field
// path and without an index is no match, and a malformed bracket index
// (neither an integer nor the token "latest") is no match.
func ParseVariablePath(s string) *VariablePath {
	open := strings.IndexByte(s, '[')
	if open < 0 {
		parts := strings.Split(s, ".")
		if len(parts) < 2 {
			return nil
		}
		for _, p := range parts {
			if p == "" {
				return nil
			}
		}
		return &VariablePath{Namespace: parts[0], FieldPath: parts[1:]}
	}

	end := strings.IndexByte(s, ']')
	if end < open+2 || open == 0 {
		return nil
	}
	namespace := s[:open]
	if strings.ContainsAny(namespace, ".]") {
		return nil
	}
	idx, ok := parseIndex(s[open+1 : end])
	if !ok {
		return nil
	}

	rest := s[end+1:]
	var fieldPath []string
	if rest != "" {
		if !strings.HasPrefix(rest, ".") {
			return nil
		}
		fieldPath = strings.Split(rest[1:], ".")
		for _, p := range fieldPath {
			if p == "" || strings.ContainsAny(p, "[]") {
				return nil
			}
		}
	}
	return &VariablePath{Namespace: namespace, Index: &idx, FieldPath: fieldPath}
}

func parseIndex(tok string) (CollectionIndex, bool) {
	if strings.EqualFold(tok, "latest") {
		return CollectionIndex{Latest: true}, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return CollectionIndex{}, false
	}
	return CollectionIndex{N: n}, true
}

// String renders the path back to its canonical text form. For canonical
// inputs ParseVariablePath(s).String() == s.
func (p *VariablePath) String() string {
	var b strings.Builder
	b.WriteString(p.Namespace)
	if p.Index != nil {
		b.WriteByte('[')
		b.WriteString(p.Index.String())
		b.WriteByte(']')
	}
	for _, f := range p.FieldPath {
		b.WriteByte('.')
		b.WriteString(f)
	}
	return b.String()
}

// DatasourceVariable is the simple two-part "object.attribute" reference rule
// evaluation works with. The attribute part may itself be dotted.
type DatasourceVariable struct {
	Object    string
	Attribute string
}

// ParseDatasourceVariable parses the two-part form. Any reference carrying a
// collection index is out of scope for this parser and returns nil.
func ParseDatasourceVariable(s string) *DatasourceVariable {
	if strings.ContainsRune(s, '[') {
		return nil
	}
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return nil
	}
	return &DatasourceVariable{Object: s[:dot], Attribute: s[dot+1:]}
}

func (d *DatasourceVariable) String() string {
	return d.Object + "." + d.Attribute
}
