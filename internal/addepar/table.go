package addepar

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Row maps column names to string values for a single record.
type Row map[string]string

// Table is the decoded result of a client-list export: an ordered sequence
// of rows plus the column order from the CSV header. The column set is
// whatever the remote view returns; nothing here assumes specific names.
type Table struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns all values of the named column in row order. The second
// return value reports whether the column exists.
func (t *Table) Column(name string) ([]string, bool) {
	found := false
	for _, c := range t.Columns {
		if c == name {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	out := make([]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		out = append(out, r[name])
	}
	return out, true
}

// ParseCSV decodes delimited export content into a Table. A UTF-8 byte
// order mark prefix is tolerated; the first record is taken as the header.
func ParseCSV(data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	t := &Table{Columns: header}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", len(t.Rows)+1, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// WriteCSV encodes the table as CSV, header first, preserving column order.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	rec := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		for j, col := range t.Columns {
			rec[j] = row[col]
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the table to a file, replacing any existing content.
func (t *Table) SaveCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
