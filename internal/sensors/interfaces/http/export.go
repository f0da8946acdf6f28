package http

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"sensor-health/internal/observability/metrics"
	sensors "sensor-health/internal/sensors/domain"
)

const exportTimeLayout = "2006-01-02 15:04:05"

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	var contentType string
	var build func(sensors.RecordFilter, []sensors.NotificationRecord) ([]byte, error)
	switch format {
	case "xlsx":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		build = BuildRecordsXLSX
	case "pdf":
		contentType = "application/pdf"
		build = BuildRecordsPDF
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = maxLimit
	}

	started := time.Now()
	records, err := h.ledger.ListRecords(r.Context(), filter)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(started))
		h.logger.WithError(err).Error("export notification records failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	data, err := build(filter, records)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(started))
		h.logger.WithError(err).WithField("format", format).Error("render export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(started))
	h.logAudit(r, "notifications.export", "notification_records", filter.SensorID, map[string]any{
		"format":  format,
		"records": len(records),
	})

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(filter, format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func exportFilename(filter sensors.RecordFilter, format string) string {
	name := "notifications"
	if filter.SensorID != "" {
		name += "-" + filter.SensorID
	}
	return name + "." + format
}

func describeRange(filter sensors.RecordFilter) string {
	from, to := "-", "-"
	if !filter.From.IsZero() {
		from = filter.From.Format(time.RFC3339)
	}
	if !filter.To.IsZero() {
		to = filter.To.Format(time.RFC3339)
	}
	return from + " .. " + to
}

// BuildRecordsPDF renders notification records as a PDF table.
func BuildRecordsPDF(filter sensors.RecordFilter, records []sensors.NotificationRecord) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Sensor Alert Notifications")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	sensorLabel := filter.SensorID
	if sensorLabel == "" {
		sensorLabel = "all"
	}
	pdf.Cell(0, 6, fmt.Sprintf("Sensor: %s", sensorLabel))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s", describeRange(filter)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Records: %d", len(records)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(70, 6, "Sensor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Category", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Stint Start", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Notified At", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Recipients", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, record := range records {
		pdf.CellFormat(70, 6, record.SensorID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, string(record.Category), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, string(record.Status), "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, record.StintStart.UTC().Format(exportTimeLayout), "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, record.NotifiedAt.UTC().Format(exportTimeLayout), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d", record.Recipients), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRecordsXLSX renders notification records as a workbook with summary and records sheets.
func BuildRecordsXLSX(filter sensors.RecordFilter, records []sensors.NotificationRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	recordsSheet := "records"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return nil, err
	}

	sensorLabel := filter.SensorID
	if sensorLabel == "" {
		sensorLabel = "all"
	}
	_ = f.SetCellValue(summarySheet, "A1", "Sensor Alert Notifications")
	_ = f.SetCellValue(summarySheet, "A3", "Sensor")
	_ = f.SetCellValue(summarySheet, "B3", sensorLabel)
	_ = f.SetCellValue(summarySheet, "A4", "Range")
	_ = f.SetCellValue(summarySheet, "B4", describeRange(filter))
	_ = f.SetCellValue(summarySheet, "A5", "Records")
	_ = f.SetCellValue(summarySheet, "B5", len(records))

	headers := []string{"ID", "Sensor", "Category", "Status", "Stint Start", "Notified At", "Recipients"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(recordsSheet, cell, header)
	}
	for i, record := range records {
		row := i + 2
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("A%d", row), record.ID)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("B%d", row), record.SensorID)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("C%d", row), string(record.Category))
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("D%d", row), string(record.Status))
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("E%d", row), record.StintStart.UTC().Format(exportTimeLayout))
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("F%d", row), record.NotifiedAt.UTC().Format(exportTimeLayout))
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("G%d", row), record.Recipients)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
