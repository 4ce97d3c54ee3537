package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"c-1", []string{"c-1"}},
		{" c-1 , ,c-2,", []string{"c-1", "c-2"}},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReadMessage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tx.json")
	body := `{"company_id":"c-1","bank":"bbva","account_number":"0001","concept":"PAGO","amount":"-10.5","transaction_date":"2024-03-15","extraction_date":"2024-03-16T08:00:00Z","checksum":"A"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	msg, err := readMessage(path)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := msg.Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if tx.Checksum != "A" || tx.Amount.String() != "-10.5" {
		t.Errorf("unexpected transaction: %+v", tx)
	}

	if _, err := readMessage(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
