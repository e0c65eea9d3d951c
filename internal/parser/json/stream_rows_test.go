package json

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"megashop/internal/config"
	"megashop/internal/transformer"
)

func runStream(t *testing.T, input string, columns []string, opts config.Options) ([]*transformer.Row, error) {
	t.Helper()
	out := make(chan *transformer.Row, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- StreamRows(context.Background(), strings.NewReader(input), "in.jsonl", columns, opts, out)
		close(out)
	}()
	var rows []*transformer.Row
	for r := range out {
		rows = append(rows, r)
	}
	return rows, <-errc
}

func TestStreamRows_AlignsColumnsAndSkipsBlankLines(t *testing.T) {
	input := `{"amount": 10.5, "year": 2022, "region_id": 3}

{"year": 2023, "amount": 4}
   
{"amount": 1}
`
	rows, err := runStream(t, input, []string{"amount", "year"}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].V[0] != json.Number("10.5") || rows[0].V[1] != json.Number("2022") {
		t.Fatalf("row 0 = %#v", rows[0].V)
	}
	if rows[1].Line != 3 {
		t.Fatalf("expected line 3 for second record, got %d", rows[1].Line)
	}
	if rows[2].V[1] != nil {
		t.Fatalf("missing year should be nil, got %#v", rows[2].V[1])
	}
}

func TestStreamRows_HeaderMapAndArrayJoin(t *testing.T) {
	input := `{"importo": 3, "tags": ["a", "b"]}` + "\n"
	opts := config.Options{
		"header_map":           map[string]any{"importo": "amount"},
		"array_join_separator": "|",
	}
	rows, err := runStream(t, input, []string{"amount", "tags"}, opts)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rows[0].V[0] != json.Number("3") {
		t.Fatalf("header_map not applied: %#v", rows[0].V)
	}
	if rows[0].V[1] != "a|b" {
		t.Fatalf("array not joined: %#v", rows[0].V[1])
	}
}

func TestScanLines_MalformedLineNamesFileAndLine(t *testing.T) {
	input := "{\"amount\": 1}\n\n{\"amount\": \n"
	var seen int
	err := ScanLines(context.Background(), strings.NewReader(input), "sales_001.jsonl", func(int, map[string]any) error {
		seen++
		return nil
	})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.File != "sales_001.jsonl" || pe.Line != 3 {
		t.Fatalf("got %s:%d, want sales_001.jsonl:3", pe.File, pe.Line)
	}
	if !strings.Contains(err.Error(), "parse error at sales_001.jsonl:3") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if seen != 1 {
		t.Fatalf("expected 1 record before the error, got %d", seen)
	}
}

func TestScanLines_RejectsNonObjectsAndTrailingData(t *testing.T) {
	for _, in := range []string{"[1,2]\n", "42\n", `{"a":1} {"b":2}` + "\n"} {
		err := ScanLines(context.Background(), strings.NewReader(in), "x", func(int, map[string]any) error { return nil })
		if err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestScanLines_LastLineWithoutNewlineAndCRLF(t *testing.T) {
	input := "{\"a\": 1}\r\n{\"a\": 2}"
	var n int
	err := ScanLines(context.Background(), strings.NewReader(input), "x", func(int, map[string]any) error {
		n++
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("got n=%d err=%v", n, err)
	}
}

func TestScanLines_LeadingByteOrderMark(t *testing.T) {
	input := "\ufeff{\"region_id\": \"A\"}\n{\"region_id\": \"B\"}\n"
	var got []string
	err := ScanLines(context.Background(), strings.NewReader(input), "bom.jsonl", func(_ int, obj map[string]any) error {
		got = append(got, obj["region_id"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("got %v", got)
	}
}

func TestScanLines_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	err := ScanLines(context.Background(), strings.NewReader("{}\n{}\n"), "x", func(int, map[string]any) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestScanLines_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ScanLines(ctx, strings.NewReader("{}\n"), "x", func(int, map[string]any) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScanFile_MissingFile(t *testing.T) {
	err := ScanFile(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), func(int, map[string]any) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
