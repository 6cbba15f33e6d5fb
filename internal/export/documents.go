package export

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// BuildXLSX renders the table on a data sheet with an info sheet.
func BuildXLSX(t Table, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	dataSheet := "data"
	infoSheet := "info"
	f.SetSheetName("Sheet1", dataSheet)
	if _, err := f.NewSheet(infoSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(infoSheet, "A1", "Instrument")
	_ = f.SetCellValue(infoSheet, "B1", t.Title)
	_ = f.SetCellValue(infoSheet, "A2", "Rows")
	_ = f.SetCellValue(infoSheet, "B2", len(t.Rows))
	_ = f.SetCellValue(infoSheet, "A3", "Generated")
	_ = f.SetCellValue(infoSheet, "B3", generated.UTC().Format(time.RFC3339))

	for i, col := range t.Columns {
		name, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(dataSheet, name, col)
	}
	for r, row := range t.Rows {
		for c, v := range row {
			if v == nil {
				continue
			}
			name, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(dataSheet, name, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ColumnSummary aggregates one numeric column.
type ColumnSummary struct {
	Column string
	Count  int
	Min    float64
	Mean   float64
	Max    float64
}

// Summarize computes count, min, mean and max of every numeric column.
func Summarize(t Table) []ColumnSummary {
	var out []ColumnSummary
	for c := 2; c < len(t.Columns); c++ {
		s := ColumnSummary{Column: t.Columns[c], Min: math.Inf(1), Max: math.Inf(-1)}
		sum := 0.0
		for _, row := range t.Rows {
			var v float64
			switch x := row[c].(type) {
			case float64:
				v = x
			case int64:
				v = float64(x)
			default:
				continue
			}
			s.Count++
			sum += v
			s.Min = math.Min(s.Min, v)
			s.Max = math.Max(s.Max, v)
		}
		if s.Count == 0 {
			continue
		}
		s.Mean = sum / float64(s.Count)
		out = append(out, s)
	}
	return out
}

// BuildSummaryPDF renders a column summary report of the table.
func BuildSummaryPDF(t Table, start, end, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Air Quality Data Summary")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Instrument: %s", t.Title))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s to %s", start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rows: %d", len(t.Rows)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Column", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Min", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Mean", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Max", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, s := range Summarize(t) {
		pdf.CellFormat(50, 6, s.Column, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d", s.Count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", s.Min), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", s.Mean), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", s.Max), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
