package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one raw record pulled from an external source, keyed by column name.
type Row struct {
	Fields map[string]string
	Line   int
}

// SourceFeed pulls a finite, ordered sequence of raw rows from one external
// source. Any failure (unreachable, malformed, truncated) is fatal to the
// batch: the pipeline stages nothing.
type SourceFeed interface {
	Name() string
	Pull(ctx context.Context) ([]Row, error)
}

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// CSVFeed reads rows from a comma-separated file. The first row names the
// columns.
type CSVFeed struct {
	Path string
}

func (f CSVFeed) Name() string { return f.Path }

func (f CSVFeed) Pull(ctx context.Context) ([]Row, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	raw = bytes.TrimPrefix(raw, byteOrderMark)

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", f.Path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", f.Path, line+1, err)
		}
		line++
		rows = append(rows, rowFromSlices(header, fields, line))
	}
	return rows, nil
}

// XLSXFeed reads rows from one sheet of an Excel workbook. The first row
// names the columns. Sheet empty means the first sheet.
type XLSXFeed struct {
	Path  string
	Sheet string
}

func (f XLSXFeed) Name() string { return f.Path }

func (f XLSXFeed) Pull(ctx context.Context) ([]Row, error) {
	book, err := excelize.OpenFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer book.Close()

	sheet := f.Sheet
	if sheet == "" {
		sheet = book.GetSheetName(0)
	}
	all, err := book.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s of %s: %w", sheet, f.Path, err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	header := make([]string, len(all[0]))
	for i, h := range all[0] {
		header[i] = strings.TrimSpace(h)
	}
	var rows []Row
	for i, fields := range all[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, rowFromSlices(header, fields, i+2))
	}
	return rows, nil
}

func rowFromSlices(header, fields []string, line int) Row {
	row := Row{Fields: make(map[string]string, len(header)), Line: line}
	for i, name := range header {
		if name == "" {
			continue
		}
		if i < len(fields) {
			row.Fields[name] = strings.TrimSpace(fields[i])
		} else {
			row.Fields[name] = ""
		}
	}
	return row
}
