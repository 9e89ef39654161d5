package billing

import (
	"testing"
)

func TestDerivePaymentStatus(t *testing.T) {
	tests := []struct {
		name  string
		paid  float64
		total float64
		want  string
	}{
		{"nothing paid", 0, 840, StatusPending},
		{"negative paid", -10, 840, StatusPending},
		{"partial", 400, 840, StatusPartial},
		{"fully paid", 840, 840, StatusPaid},
		{"paid within tolerance", 839.995, 840, StatusPaid},
		{"overpaid", 900, 840, StatusPaid},
		{"zero total zero paid", 0, 0, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := derivePaymentStatus(tt.paid, tt.total); got != tt.want {
				t.Errorf("derivePaymentStatus(%v, %v) = %q, want %q", tt.paid, tt.total, got, tt.want)
			}
		})
	}
}

func TestSummaryMethod(t *testing.T) {
	if got := summaryMethod(nil); got != nil {
		t.Errorf("summaryMethod(nil) = %q, want nil", *got)
	}

	single := []*Payment{{Method: "cash", Amount: 840}}
	if got := summaryMethod(single); got == nil || *got != "cash" {
		t.Errorf("summaryMethod(single) = %v, want cash", got)
	}

	multi := []*Payment{{Method: "cash", Amount: 500}, {Method: "card", Amount: 340}}
	if got := summaryMethod(multi); got == nil || *got != MethodSplit {
		t.Errorf("summaryMethod(multi) = %v, want %q", got, MethodSplit)
	}
}

func TestDedupReasons(t *testing.T) {
	tests := []struct {
		name    string
		reasons []string
		want    string
	}{
		{"empty", nil, ""},
		{"single", []string{"damaged"}, "damaged"},
		{"duplicates collapse", []string{"damaged", "damaged", "expired"}, "damaged, expired"},
		{"whitespace trimmed", []string{" damaged ", "damaged"}, "damaged"},
		{"blanks skipped", []string{"", "expired", "  "}, "expired"},
		{"first-seen order kept", []string{"expired", "damaged", "expired"}, "expired, damaged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dedupReasons(tt.reasons); got != tt.want {
				t.Errorf("dedupReasons(%v) = %q, want %q", tt.reasons, got, tt.want)
			}
		})
	}
}

func TestAmountsEqual(t *testing.T) {
	if !amountsEqual(800, 800.009) {
		t.Error("amounts within tolerance should compare equal")
	}
	if amountsEqual(800, 800.02) {
		t.Error("amounts beyond tolerance should not compare equal")
	}
	if !amountsEqual(0.1+0.2, 0.3) {
		t.Error("float artifacts inside tolerance should compare equal")
	}
}
