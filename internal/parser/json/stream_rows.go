// Package json decodes newline-delimited JSON arrival units.
//
// Every non-blank line must hold exactly one JSON object. Numbers are decoded
// as json.Number so that the consumer decides the final type.
package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"megashop/internal/config"
	"megashop/internal/transformer"
)

// ParseError reports a line that is not a JSON object.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s:%d: %v", e.File, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errNotObject = errors.New("line is not a JSON object")

var utf8BOM = []byte("\ufeff")

// ScanLines calls fn for every non-blank line of r, in order. line is 1-based
// and counts blank lines too, so it matches what an editor shows.
//
// Edge cases:
//   - Lines are not length-limited; a final line without '\n' is processed.
//   - Trailing "\r" and a leading UTF-8 byte order mark are tolerated.
//
// Errors:
//   - A malformed line stops the scan with a *ParseError naming name and line.
//   - An error returned by fn stops the scan and is returned unchanged.
//   - ctx cancellation is checked between lines.
func ScanLines(ctx context.Context, r io.Reader, name string, fn func(line int, obj map[string]any) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, readErr := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(raw), utf8BOM))
			if len(trimmed) > 0 {
				obj, err := decodeObject(trimmed)
				if err != nil {
					return &ParseError{File: name, Line: line, Err: err}
				}
				if err := fn(line, obj); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("read %s: %w", name, readErr)
		}
	}
}

// ScanFile opens path and runs ScanLines over it.
func ScanFile(ctx context.Context, path string, fn func(line int, obj map[string]any) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ScanLines(ctx, f, path, fn)
}

func decodeObject(b []byte) (map[string]any, error) {
	if b[0] != '{' {
		return nil, errNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}
	return obj, nil
}

// StreamRows decodes r and sends one *transformer.Row per object to out,
// aligned with columns. Missing keys are nil.
//
// parserOpts:
//   - header_map: map original key -> column name
//   - array_join_separator: joins arrays of strings into one scalar (default ",")
//
// The caller owns out and closes it after StreamRows returns.
func StreamRows(
	ctx context.Context,
	r io.Reader,
	name string,
	columns []string,
	parserOpts config.Options,
	out chan<- *transformer.Row,
) error {
	rev := reverseHeaderMap(parserOpts.StringMap("header_map"))
	sep := parserOpts.String("array_join_separator", ",")

	return ScanLines(ctx, r, name, func(line int, obj map[string]any) error {
		row := transformer.GetRow(len(columns))
		row.Line = line
		fillRow(row.V, obj, columns, rev, sep)
		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	})
}

// reverseHeaderMap builds column -> original key.
func reverseHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for orig, norm := range h {
		if orig == "" || norm == "" {
			continue
		}
		out[norm] = orig
	}
	return out
}

func fillRow(dst []any, obj map[string]any, columns []string, rev map[string]string, sep string) {
	for i, col := range columns {
		v, ok := obj[col]
		if !ok {
			if orig, ok2 := rev[col]; ok2 {
				v = obj[orig]
			}
		}
		dst[i] = flattenArray(v, sep)
	}
}

// flattenArray joins an array of strings with sep. Other values pass through.
func flattenArray(v any, sep string) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	ss := make([]string, 0, len(arr))
	for _, it := range arr {
		if it == nil {
			continue
		}
		s, ok := it.(string)
		if !ok {
			return v
		}
		ss = append(ss, s)
	}
	return strings.Join(ss, sep)
}
