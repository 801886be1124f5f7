package client

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/teranos/tally/errors"
)

// DefaultSheet is the worksheet ExportXLSX writes to
const DefaultSheet = "Totals"

// ExportXLSX converts a result CSV into an XLSX workbook written to w.
// Integer cells become numbers; the header row is bold and frozen.
func ExportXLSX(r io.Reader, w io.Writer, sheet string) (rows int, err error) {
	if sheet == "" {
		sheet = DefaultSheet
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return 0, errors.Wrap(err, "failed to name sheet")
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, errors.Wrap(err, "failed to create header style")
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	widths := map[int]int{}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, errors.Wrapf(err, "invalid CSV at row %d", rows+1)
		}
		rows++

		for i, field := range record {
			cell, _ := excelize.CoordinatesToCellName(i+1, rows)
			var value interface{} = field
			if rows > 1 {
				if n, convErr := strconv.ParseInt(field, 10, 64); convErr == nil {
					value = n
				}
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return rows, errors.Wrapf(err, "failed to set %s", cell)
			}
			if len(field) > widths[i] {
				widths[i] = len(field)
			}
		}
	}

	if rows > 0 {
		lastCol, _ := excelize.ColumnNumberToName(len(widths))
		if err := f.SetCellStyle(sheet, "A1", lastCol+"1", bold); err != nil {
			return rows, errors.Wrap(err, "failed to style header")
		}
		if err := f.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return rows, errors.Wrap(err, "failed to freeze header")
		}
	}
	for i, width := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, float64(width+2))
	}

	if _, err := f.WriteTo(w); err != nil {
		return rows, errors.Wrap(err, "failed to write workbook")
	}
	return rows, nil
}
