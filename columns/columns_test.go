package columns

import (
	"testing"

	"github.com/rmunteanu/imap-to-excel/model"
	"github.com/rmunteanu/imap-to-excel/schema"
)

const testConfig = `
cod:
  pattern: 'Cod = (\w+)'
  excel_column: Code
cantitate:
  pattern: 'Cantitate = (\d+)'
  excel_column: Qty
order_number:
  excel_column: OrderNo
email_date:
  excel_column: EmailDate
`

func mustSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("schema.Parse() error = %v", err)
	}
	return s
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Resolve() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Resolve() = %v, want %v", got, want)
		}
	}
}

func TestResolve_SystemColumnsFirst(t *testing.T) {
	s := mustSchema(t)
	observed := map[string]bool{
		"Code": true, "Qty": true, "OrderNo": true, "EmailDate": true, "Extra": true,
	}
	assertOrder(t, Resolve(s, observed), []string{"OrderNo", "EmailDate", "Code", "Qty", "Extra"})
}

func TestResolve_SkipsUnobserved(t *testing.T) {
	s := mustSchema(t)
	observed := map[string]bool{"OrderNo": true, "EmailDate": true, "Qty": true}
	assertOrder(t, Resolve(s, observed), []string{"OrderNo", "EmailDate", "Qty"})
}

func TestResolve_UnknownColumnsLexicographic(t *testing.T) {
	s := mustSchema(t)
	observed := map[string]bool{"Zeta": true, "Alpha": true, "OrderNo": true}
	assertOrder(t, Resolve(s, observed), []string{"OrderNo", "Alpha", "Zeta"})
}

func TestResolve_Deterministic(t *testing.T) {
	s := mustSchema(t)
	observed := map[string]bool{
		"Code": true, "Qty": true, "OrderNo": true, "EmailDate": true,
		"B": true, "A": true, "C": true,
	}
	first := Resolve(s, observed)
	for i := 0; i < 10; i++ {
		assertOrder(t, Resolve(s, observed), first)
	}
}

func TestObserved(t *testing.T) {
	rows := []model.Row{
		{"OrderNo": 1, "Code": "X"},
		{"OrderNo": 2, "Qty": "3"},
	}
	observed := Observed(rows)
	for _, col := range []string{"OrderNo", "Code", "Qty"} {
		if !observed[col] {
			t.Errorf("Observed() missing %q", col)
		}
	}
	if len(observed) != 3 {
		t.Errorf("Observed() len = %d, want 3", len(observed))
	}
}
