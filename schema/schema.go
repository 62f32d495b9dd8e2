package schema

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved rule names for the two system fields. They carry no pattern;
// they only configure the output column names.
const (
	SystemOrderNumber = "order_number"
	SystemEmailDate   = "email_date"
)

// Default output column names when the system rules are absent.
const (
	DefaultOrderColumn = "OrderNo"
	DefaultDateColumn  = "EmailDate"
)

var (
	ErrDuplicateColumn = errors.New("duplicate excel_column")
	ErrEmptySchema     = errors.New("field config contains no rules")
)

// FieldRule is one entry of the field config. Rules without an
// OutputColumn produce no output; rules without a Pattern match nothing.
type FieldRule struct {
	Name         string
	Pattern      *regexp.Regexp
	OutputColumn string
	IsSystem     bool
	// index preserves YAML declaration order for the column resolver.
	index int
}

// Schema is the validated, immutable set of extraction rules.
type Schema struct {
	rules []FieldRule
}

type ruleYAML struct {
	Pattern     string `yaml:"pattern"`
	ExcelColumn string `yaml:"excel_column"`
}

// Load reads and validates a field config YAML file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field config: %w", err)
	}
	return Parse(data)
}

// Parse validates a field config document. The top level must be a
// mapping from rule name to {pattern, excel_column}; declaration order
// is preserved.
func Parse(data []byte) (*Schema, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse field config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrEmptySchema
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("field config: expected a mapping at the top level, got %s", root.Tag)
	}

	s := &Schema{}
	seen := make(map[string]string) // excel_column -> rule name
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		name := keyNode.Value

		var raw ruleYAML
		if err := valNode.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field config rule %q: %w", name, err)
		}

		rule := FieldRule{
			Name:         name,
			OutputColumn: strings.TrimSpace(raw.ExcelColumn),
			IsSystem:     name == SystemOrderNumber || name == SystemEmailDate,
			index:        i / 2,
		}

		if pattern := strings.TrimSpace(raw.Pattern); pattern != "" && !rule.IsSystem {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("field config rule %q: compile pattern: %w", name, err)
			}
			rule.Pattern = re
		}

		if rule.OutputColumn != "" {
			if other, ok := seen[rule.OutputColumn]; ok {
				return nil, fmt.Errorf("field config rules %q and %q: %w %q", other, name, ErrDuplicateColumn, rule.OutputColumn)
			}
			seen[rule.OutputColumn] = name
		}

		s.rules = append(s.rules, rule)
	}

	if len(s.rules) == 0 {
		return nil, ErrEmptySchema
	}
	return s, nil
}

// Rules returns all rules in declaration order.
func (s *Schema) Rules() []FieldRule {
	return s.rules
}

// OrderColumn returns the configured output name of the order-number
// system column.
func (s *Schema) OrderColumn() string {
	return s.systemColumn(SystemOrderNumber, DefaultOrderColumn)
}

// DateColumn returns the configured output name of the email-date
// system column.
func (s *Schema) DateColumn() string {
	return s.systemColumn(SystemEmailDate, DefaultDateColumn)
}

func (s *Schema) systemColumn(name, fallback string) string {
	for _, rule := range s.rules {
		if rule.Name == name && rule.OutputColumn != "" {
			return rule.OutputColumn
		}
	}
	return fallback
}

// RowHasFields reports whether the row holds at least one non-system
// value, i.e. whether any pattern actually matched.
func (s *Schema) RowHasFields(row map[string]any) bool {
	order, date := s.OrderColumn(), s.DateColumn()
	for col := range row {
		if col != order && col != date {
			return true
		}
	}
	return false
}
