// Package dataset turns a ranging sweep into labelled rows for offline
// training and writes them as CSV or XLSX.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

const (
	LabelAnomaly = "Anomaly Detected"
	LabelClear   = "Nothing detected"

	// MinFrames is the row count a sweep must exceed before anything is written.
	MinFrames = 5

	sheetName = "Ranging"
)

// Columns is the on-disk column order.
var Columns = []entities.Direction{entities.Front, entities.Back, entities.Right, entities.Left, entities.Up}

var ErrTooFewFrames = errors.New("dataset: too few complete frames")

// Row is one complete scan step. Step is the frame index within the sweep.
type Row struct {
	Step      int
	Distances [5]float64
	Label     string
}

// Rows keeps only frames where every direction has a usable distance and
// labels each one against threshold.
func Rows(sweep entities.RangingSweep, threshold float64) []Row {
	var out []Row
	for step, frame := range sweep.Frames() {
		if row, ok := toRow(frame, threshold); ok {
			row.Step = step
			out = append(out, row)
		}
	}
	return out
}

func toRow(frame map[entities.Direction]float64, threshold float64) (Row, bool) {
	var r Row
	anomalous := false
	for i, dir := range Columns {
		d, ok := frame[dir]
		if !ok || math.IsNaN(d) || d < 0 {
			return Row{}, false
		}
		r.Distances[i] = d
		if d <= threshold {
			anomalous = true
		}
	}
	r.Label = LabelClear
	if anomalous {
		r.Label = LabelAnomaly
	}
	return r, true
}

func header(withStatus bool) []string {
	h := []string{"Front", "Back", "Right", "Left", "Up"}
	if withStatus {
		h = append(h, "Status")
	}
	return h
}

// formatDistance renders +Inf as "inf" so pandas and numpy parse it back.
func formatDistance(d float64) string {
	if math.IsInf(d, 1) {
		return "inf"
	}
	return strconv.FormatFloat(d, 'f', 3, 64)
}

// WriteCSV writes the header (when writeHeader is set) and every row.
func WriteCSV(w io.Writer, rows []Row, withStatus, writeHeader bool) error {
	if len(rows) <= MinFrames {
		return fmt.Errorf("%w: %d", ErrTooFewFrames, len(rows))
	}
	cw := csv.NewWriter(w)
	if writeHeader {
		if err := cw.Write(header(withStatus)); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	rec := make([]string, 0, 6)
	for _, r := range rows {
		rec = rec[:0]
		for _, d := range r.Distances {
			rec = append(rec, formatDistance(d))
		}
		if withStatus {
			rec = append(rec, r.Label)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", r.Step, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes rows to a single-sheet workbook at path.
func WriteXLSX(path string, rows []Row, withStatus bool) error {
	if len(rows) <= MinFrames {
		return fmt.Errorf("%w: %d", ErrTooFewFrames, len(rows))
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	anomalyStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#C00000"},
	})
	if err != nil {
		return fmt.Errorf("anomaly style: %w", err)
	}

	for col, h := range header(withStatus) {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return fmt.Errorf("header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("header style %s: %w", cell, err)
		}
	}

	for i, r := range rows {
		rowNum := i + 2
		for col, d := range r.Distances {
			cell, err := excelize.CoordinatesToCellName(col+1, rowNum)
			if err != nil {
				return err
			}
			var v any = d
			if math.IsInf(d, 1) {
				v = "inf"
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("cell %s: %w", cell, err)
			}
		}
		if !withStatus {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(len(Columns)+1, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, r.Label); err != nil {
			return fmt.Errorf("cell %s: %w", cell, err)
		}
		if r.Label == LabelAnomaly {
			if err := f.SetCellStyle(sheetName, cell, cell, anomalyStyle); err != nil {
				return fmt.Errorf("label style %s: %w", cell, err)
			}
		}
	}

	if err := f.SetColWidth(sheetName, "A", "E", 10); err != nil {
		return fmt.Errorf("column width: %w", err)
	}
	if withStatus {
		if err := f.SetColWidth(sheetName, "F", "F", 20); err != nil {
			return fmt.Errorf("column width: %w", err)
		}
	}
	return f.SaveAs(path)
}
