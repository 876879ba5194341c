package filewriter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"freqresp/internal/collector"
)

// ExportCSV writes the sweep as CSV for spreadsheet analysis. Comment rows
// starting with "#" carry the metadata.
func ExportCSV(filename string, metadata Metadata, points []collector.Point) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	writer.Write([]string{"# Frequency response sweep"})
	writer.Write([]string{"# Sweep ID", metadata.SweepID})
	writer.Write([]string{"# Device", metadata.DeviceInfo})
	writer.Write([]string{"# Started", metadata.Started.Format(time.RFC3339)})
	writer.Write([]string{"# Duration", metadata.Finished.Sub(metadata.Started).Round(time.Millisecond).String()})

	writer.Write([]string{"Frequency_Hz", "Gain", "Phase_rad", "Range_A_V", "Range_B_V", "Amplitude_A_V", "Amplitude_B_V", "Attempts", "Warning"})
	for _, p := range points {
		writer.Write([]string{
			strconv.FormatFloat(p.Frequency, 'g', -1, 64),
			strconv.FormatFloat(p.Gain, 'g', 8, 64),
			strconv.FormatFloat(p.Phase, 'f', 6, 64),
			strconv.FormatFloat(p.RangeA, 'g', -1, 64),
			strconv.FormatFloat(p.RangeB, 'g', -1, 64),
			strconv.FormatFloat(p.AmplitudeA, 'g', 8, 64),
			strconv.FormatFloat(p.AmplitudeB, 'g', 8, 64),
			strconv.Itoa(p.Attempts),
			p.Warning,
		})
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write CSV file: %w", err)
	}
	return nil
}

type jsonSweep struct {
	SweepID    string            `json:"sweep_id"`
	DeviceInfo string            `json:"device_info"`
	Started    time.Time         `json:"started"`
	Finished   time.Time         `json:"finished"`
	Points     []collector.Point `json:"points"`
}

// ExportJSON writes the sweep as indented JSON.
func ExportJSON(filename string, metadata Metadata, points []collector.Point) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(jsonSweep{
		SweepID:    metadata.SweepID,
		DeviceInfo: metadata.DeviceInfo,
		Started:    metadata.Started,
		Finished:   metadata.Finished,
		Points:     points,
	}); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

// ImportCSV reads points from a CSV table whose first two columns are
// frequency (Hz) and gain, as written by ExportCSV. A third column, when
// present, is the phase in radians. Rows starting with "#" and a header
// row are skipped.
func ImportCSV(filename string) ([]collector.Point, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}

	var points []collector.Point
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: line %d has %d columns, need frequency and gain", ErrFormat, i+1, len(row))
		}

		freq, ferr := strconv.ParseFloat(row[0], 64)
		gain, gerr := strconv.ParseFloat(row[1], 64)
		if ferr != nil || gerr != nil {
			if i == 0 && len(points) == 0 {
				continue // header
			}
			return nil, fmt.Errorf("%w: line %d: %q is not numeric", ErrFormat, i+1, row[:2])
		}

		p := collector.Point{Frequency: freq, Gain: gain}
		if len(row) > 2 {
			if phase, err := strconv.ParseFloat(row[2], 64); err == nil {
				p.Phase = phase
			}
		}
		points = append(points, p)
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no data rows in %s", ErrFormat, filename)
	}
	return points, nil
}
