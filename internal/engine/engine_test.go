package engine

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		err  bool
	}{
		{"int", KindInt, false},
		{"BIGINT", KindInt, false},
		{" double ", KindFloat, false},
		{"text", KindString, false},
		{"boolean", KindBool, false},
		{"timestamp", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("ParseKind(%q) err=%v, wantErr=%v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Fatalf("ParseKind(%q)=%s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAggregationOutput(t *testing.T) {
	if got := Sum("amount", "").OutputName(); got != "sum_amount" {
		t.Fatalf("sum name=%q", got)
	}
	if got := Mean("amount", "avg").OutputName(); got != "avg" {
		t.Fatalf("alias ignored: %q", got)
	}
	if got := Count("", "").OutputName(); got != "count" {
		t.Fatalf("count(*) name=%q", got)
	}
	if Count("x", "").OutputKind() != KindInt || Sum("x", "").OutputKind() != KindFloat {
		t.Fatalf("unexpected output kinds")
	}
}

func TestCheckColumns(t *testing.T) {
	cols := []Column{{Name: "amount", Kind: KindFloat}, {Name: "year", Kind: KindInt}}
	if err := CheckColumns(cols, "year", "amount"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	err := CheckColumns(cols, "year", "category")
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestJoinColumns_SkipsKeyAndCollisions(t *testing.T) {
	left := []Column{{Name: "transaction_id"}, {Name: "product_id"}, {Name: "amount"}}
	right := []Column{{Name: "product_id"}, {Name: "category"}, {Name: "amount"}}
	cols, idx := JoinColumns(left, right, "product_id")
	names := ColumnNames(cols)
	want := []string{"transaction_id", "product_id", "amount", "category"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
	if len(idx) != 1 || idx[0] != 1 {
		t.Fatalf("right indexes=%v, want [1]", idx)
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	if _, err := Open("spark", Options{}); err == nil {
		t.Fatalf("expected error for unknown engine kind")
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	f := func(Options) (Engine, error) { return nil, nil }
	Register("test-dup", f)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("test-dup", f)
}
