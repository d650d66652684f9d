package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-11-04")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.String() != "2025-11-04" || d.Month() != "2025-11" {
		t.Fatalf("unexpected formatting %s / %s", d, d.Month())
	}
	for _, bad := range []string{"", "04/11/2025", "2025-13-01", "tomorrow"} {
		if _, err := ParseDate(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	due := MustParseDate("2025-10-30")
	returned := MustParseDate("2025-11-04")
	if got := returned.DaysSince(due); got != 5 {
		t.Fatalf("expected 5 days, got %d", got)
	}
	if got := due.DaysSince(returned); got != -5 {
		t.Fatalf("expected -5 days, got %d", got)
	}
	distant := MustParseDate("1700-01-01")
	if got := returned.DaysSince(distant); got != 119011 {
		t.Fatalf("expected 119011 days since 1700-01-01, got %d", got)
	}
	if got := MustParseDate("2400-01-01").DaysSince(distant); got != 255669 {
		t.Fatalf("expected 255669 days across seven centuries, got %d", got)
	}
	if !due.Before(returned) || !returned.After(due) {
		t.Fatalf("ordering broken")
	}
	if !due.AddDays(5).Equal(returned) {
		t.Fatalf("AddDays mismatch")
	}
}

func TestDateOfUsesLocation(t *testing.T) {
	madrid := time.FixedZone("CET", 3600)
	instant := time.Date(2025, 11, 3, 23, 30, 0, 0, time.UTC)
	if got := DateOf(instant.In(madrid)); got.String() != "2025-11-04" {
		t.Fatalf("expected local calendar day, got %s", got)
	}
	if got := DateOf(instant); got.String() != "2025-11-03" {
		t.Fatalf("expected UTC calendar day, got %s", got)
	}
}

func TestDateJSON(t *testing.T) {
	loan := Loan{LoanDate: MustParseDate("2025-10-15"), DueDate: MustParseDate("2025-10-30")}
	raw, err := json.Marshal(loan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["loanDate"] != "2025-10-15" || decoded["dueDate"] != "2025-10-30" {
		t.Fatalf("unexpected wire dates %v", decoded)
	}
	if _, present := decoded["returnDate"]; present {
		t.Fatalf("open loans omit returnDate")
	}

	var d Date
	if err := json.Unmarshal([]byte(`null`), &d); err != nil || !d.IsZero() {
		t.Fatalf("null should decode to zero date")
	}
	if err := json.Unmarshal([]byte(`"2025-02-30"`), &d); err == nil {
		t.Fatalf("expected invalid calendar date to fail")
	}
}

func TestDateScanValue(t *testing.T) {
	var d Date
	if err := d.Scan([]byte("2025-11-20")); err != nil || d.String() != "2025-11-20" {
		t.Fatalf("scan bytes: %v %s", err, d)
	}
	if err := d.Scan(nil); err != nil || !d.IsZero() {
		t.Fatalf("scan nil: %v", err)
	}
	if err := d.Scan(42); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	v, err := MustParseDate("2025-11-20").Value()
	if err != nil || v != "2025-11-20" {
		t.Fatalf("value: %v %v", v, err)
	}
	if v, _ := (Date{}).Value(); v != nil {
		t.Fatalf("zero date stores NULL, got %v", v)
	}
}
