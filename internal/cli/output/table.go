package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
)

// Table is a header row plus cells, aligned on render.
type Table struct {
	Headers []string
	Rows    [][]string
}

// AddRow appends one row. Empty cells render as "-".
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render writes the table with two-space column gaps.
func (t *Table) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(t.Headers) > 0 {
		if _, err := io.WriteString(tw, strings.Join(t.Headers, "\t")+"\n"); err != nil {
			return err
		}
	}
	for _, row := range t.Rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = cell(c)
		}
		if _, err := io.WriteString(tw, strings.Join(cells, "\t")+"\n"); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// TableFormatter picks a view by result type.
type TableFormatter struct {
	Wide bool
	Now  func() time.Time
}

func (f *TableFormatter) Format(w io.Writer, data any) error {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	var t *Table
	switch v := data.(type) {
	case nil:
		return nil
	case *Table:
		t = v
	case []domain.RoomInfo:
		t = RoomsTable(v, f.Wide)
	case []domain.BanRecord:
		t = BansTable(v, now())
	case []service.ConnectionInfo:
		t = ConnectionsTable(v, now(), f.Wide)
	case []domain.ConnectionEvent:
		t = AuditTable(v)
	default:
		var err error
		if t, err = DetailsTable(data); err != nil {
			return err
		}
	}
	return t.Render(w)
}

// DetailsTable flattens any JSON-encodable value into FIELD/VALUE rows.
// Nested objects use dotted keys and scalar lists are comma-joined.
func DetailsTable(data any) (*Table, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	fields := make(map[string]string)
	flatten("", v, fields)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := &Table{Headers: []string{"FIELD", "VALUE"}}
	for _, k := range keys {
		t.AddRow(k, fields[k])
	}
	return t, nil
}

func flatten(prefix string, v any, out map[string]string) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 && prefix != "" {
			out[prefix] = ""
		}
		for k, val := range x {
			flatten(key(k), val, out)
		}
	case []any:
		if scalars, ok := joinScalars(x); ok {
			out[orValue(prefix)] = scalars
			return
		}
		for i, val := range x {
			flatten(key(fmt.Sprint(i)), val, out)
		}
	default:
		out[orValue(prefix)] = scalar(x)
	}
}

func joinScalars(list []any) (string, bool) {
	parts := make([]string, 0, len(list))
	for _, v := range list {
		switch v.(type) {
		case map[string]any, []any:
			return "", false
		}
		parts = append(parts, scalar(v))
	}
	return strings.Join(parts, ", "), true
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(x)
	}
}

func orValue(prefix string) string {
	if prefix == "" {
		return "value"
	}
	return prefix
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
