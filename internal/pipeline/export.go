package pipeline

import (
	"io"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"techscout/internal"
	"techscout/internal/util"
)

const summarySheet = "summary"

func ReportExportRows(report internal.ParsedReport) []internal.TechnologyExportRow {
	rows := make([]internal.TechnologyExportRow, 0, report.Technologies.Total())
	for _, category := range internal.Categories {
		for i, tech := range report.Technologies.ByCategory(category) {
			rows = append(rows, internal.TechnologyExportRow{
				Category:   string(category),
				Position:   i + 1,
				Name:       tech.Name,
				Provider:   tech.Provider,
				Score:      tech.Score,
				Reason:     tech.Reason,
				TRL:        tech.TRL,
				Country:    tech.Country,
				QueueID:    tech.QueueID,
				MatchScore: tech.MatchScore,
			})
		}
	}
	return rows
}

func ExportReportToXLSX(report internal.ParsedReport, outputPath string) error {
	return ExportRowsToXLSX(ReportExportRows(report), &report, outputPath)
}

// ExportRowsToXLSX writes one row per technology on the first sheet. When a
// report is given its summary counts and technical errors go to a second sheet.
func ExportRowsToXLSX(rows []internal.TechnologyExportRow, report *internal.ParsedReport, outputPath string) error {
	f, err := buildWorkbook(rows, report)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

// WriteRowsXLSX streams the same workbook as ExportRowsToXLSX to w.
func WriteRowsXLSX(w io.Writer, rows []internal.TechnologyExportRow, report *internal.ParsedReport) error {
	f, err := buildWorkbook(rows, report)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func buildWorkbook(rows []internal.TechnologyExportRow, report *internal.ParsedReport) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	headers := []string{
		"category", "position", "name", "provider", "score", "reason",
		"trl", "country", "queue_id", "match_score",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.Category)
		set(2, row.Position)
		set(3, row.Name)
		set(4, row.Provider)
		set(5, row.Score)
		set(6, row.Reason)
		set(7, util.Deref(row.TRL))
		set(8, util.Deref(row.Country))
		set(9, util.Deref(row.QueueID))
		if row.QueueID != nil {
			set(10, row.MatchScore)
		}
	}

	if report != nil {
		if _, err := f.NewSheet(summarySheet); err != nil {
			_ = f.Close()
			return nil, err
		}
		pairs := [][2]any{
			{"evaluated", report.Summary.Evaluated},
			{"added", report.Summary.Added},
			{"review", report.Summary.Review},
			{"rejected", report.Summary.Rejected},
			{"had_technical_issues", report.HadTechnicalIssues},
		}
		for _, msg := range report.TechnicalErrors {
			pairs = append(pairs, [2]any{"technical_error", msg})
		}
		for i, p := range pairs {
			keyCell, _ := excelize.CoordinatesToCellName(1, i+1)
			valueCell, _ := excelize.CoordinatesToCellName(2, i+1)
			_ = f.SetCellValue(summarySheet, keyCell, p[0])
			_ = f.SetCellValue(summarySheet, valueCell, p[1])
		}
	}
	return f, nil
}
