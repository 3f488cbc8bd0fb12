package reconcile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// csvRow is one parsed bank statement line.
type csvRow struct {
	line        int
	date        time.Time
	description string
	amount      decimal.Decimal
	reference   string
}

// RowError reports a single malformed row. Row errors never abort the batch.
type RowError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "2006/01/02", "02 Jan 2006"}

// parseCSV reads bank statement rows in the expected column order:
// date, description, amount, reference. A header row is detected by its
// unparseable amount column and skipped.
func parseCSV(r io.Reader) ([]csvRow, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		rows     []csvRow
		rowErrs  []RowError
		line     int
	)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Error: err.Error()})
			continue
		}
		if len(record) < 3 {
			rowErrs = append(rowErrs, RowError{Line: line, Error: "expected at least 3 columns: date, description, amount"})
			continue
		}

		amount, err := parseAmount(record[2])
		if err != nil {
			if line == 1 {
				continue // header row
			}
			rowErrs = append(rowErrs, RowError{Line: line, Error: fmt.Sprintf("bad amount %q", record[2])})
			continue
		}

		date, err := parseDate(record[0])
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Error: fmt.Sprintf("bad date %q", record[0])})
			continue
		}

		row := csvRow{
			line:        line,
			date:        date,
			description: strings.TrimSpace(record[1]),
			amount:      amount,
		}
		if len(record) > 3 {
			row.reference = strings.TrimSpace(record[3])
		}
		rows = append(rows, row)
	}

	return rows, rowErrs, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseAmount accepts bank-export formats like "12 500.00", "R12,500.00".
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	return decimal.NewFromString(s)
}
