// Package columns decides the output column order of an export run.
// The order is a presentation concern only: system columns first, then
// configured columns in declaration order, then anything else the rows
// happened to contain. No observed column is ever dropped.
package columns

import (
	"sort"

	"github.com/rmunteanu/imap-to-excel/model"
	"github.com/rmunteanu/imap-to-excel/schema"
)

// Observed collects the set of column names actually used by the run's
// rows.
func Observed(rows []model.Row) map[string]bool {
	observed := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			observed[col] = true
		}
	}
	return observed
}

// Resolve returns the deterministic column sequence for the given schema
// and observed column set.
func Resolve(s *schema.Schema, observed map[string]bool) []string {
	var order []string
	emitted := make(map[string]bool)

	emit := func(col string) {
		if col == "" || emitted[col] || !observed[col] {
			return
		}
		order = append(order, col)
		emitted[col] = true
	}

	// System columns lead, in fixed relative order.
	emit(s.OrderColumn())
	emit(s.DateColumn())

	for _, rule := range s.Rules() {
		if rule.IsSystem {
			continue
		}
		emit(rule.OutputColumn)
	}

	var rest []string
	for col := range observed {
		if !emitted[col] {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	return order
}
