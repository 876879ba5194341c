package filewriter

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"freqresp/internal/collector"
)

const (
	magic = "FRESP"

	// FormatVersion is written into every file.
	FormatVersion uint16 = 1

	maxString = 255
)

// ErrFormat is returned when a file is not a sweep result file.
var ErrFormat = errors.New("filewriter: invalid file format")

type Metadata struct {
	FileFormatVersion uint16
	SweepID           string
	DeviceInfo        string
	Started           time.Time
	Finished          time.Time
	SamplesPerCycle   float64
	Samples           uint32
}

// pointRecord is the fixed-size on-disk part of a collector.Point.
type pointRecord struct {
	Frequency  float64
	Gain       float64
	Phase      float64
	RangeA     float64
	RangeB     float64
	AmplitudeA float64
	AmplitudeB float64
	Attempts   uint16
}

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// WriteFile stores a sweep as a little-endian binary file: header, point
// count, then one record plus warning string per point.
func (w *Writer) WriteFile(filename string, metadata Metadata, points []collector.Point) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	buf := bufio.NewWriter(file)
	if err := w.write(buf, metadata, points); err != nil {
		file.Close()
		return err
	}

	if err := buf.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush file: %w", err)
	}
	return file.Close()
}

func (w *Writer) write(out io.Writer, metadata Metadata, points []collector.Point) error {
	if err := writeHeader(out, metadata, uint32(len(points))); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, p := range points {
		rec := pointRecord{
			Frequency:  p.Frequency,
			Gain:       p.Gain,
			Phase:      p.Phase,
			RangeA:     p.RangeA,
			RangeB:     p.RangeB,
			AmplitudeA: p.AmplitudeA,
			AmplitudeB: p.AmplitudeB,
			Attempts:   uint16(min(p.Attempts, 0xFFFF)),
		}
		if err := binary.Write(out, binary.LittleEndian, rec); err != nil {
			return fmt.Errorf("failed to write point %d: %w", i, err)
		}
		if err := writeString(out, p.Warning); err != nil {
			return fmt.Errorf("failed to write point %d: %w", i, err)
		}
	}

	return nil
}

func writeHeader(out io.Writer, metadata Metadata, count uint32) error {
	if _, err := io.WriteString(out, magic); err != nil {
		return err
	}

	version := metadata.FileFormatVersion
	if version == 0 {
		version = FormatVersion
	}

	fields := []any{
		version,
		metadata.Started.Unix(), int32(metadata.Started.Nanosecond()),
		metadata.Finished.Unix(), int32(metadata.Finished.Nanosecond()),
		metadata.SamplesPerCycle,
		metadata.Samples,
	}
	for _, f := range fields {
		if err := binary.Write(out, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	if err := writeString(out, metadata.SweepID); err != nil {
		return err
	}
	if err := writeString(out, metadata.DeviceInfo); err != nil {
		return err
	}

	return binary.Write(out, binary.LittleEndian, count)
}

// writeString writes a uint8 length prefix and at most 255 bytes.
func writeString(out io.Writer, s string) error {
	b := []byte(s)
	if len(b) > maxString {
		b = b[:maxString]
	}
	if err := binary.Write(out, binary.LittleEndian, uint8(len(b))); err != nil {
		return err
	}
	_, err := out.Write(b)
	return err
}

func readString(in io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(in, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(in, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readHeader(in io.Reader) (*Metadata, uint32, error) {
	m := make([]byte, len(magic))
	if _, err := io.ReadFull(in, m); err != nil {
		return nil, 0, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(m) != magic {
		return nil, 0, ErrFormat
	}

	var (
		metadata              Metadata
		startSec, finishSec   int64
		startNano, finishNano int32
		count                 uint32
	)
	fields := []any{
		&metadata.FileFormatVersion,
		&startSec, &startNano,
		&finishSec, &finishNano,
		&metadata.SamplesPerCycle,
		&metadata.Samples,
	}
	for _, f := range fields {
		if err := binary.Read(in, binary.LittleEndian, f); err != nil {
			return nil, 0, fmt.Errorf("failed to read header: %w", err)
		}
	}
	if metadata.FileFormatVersion > FormatVersion {
		return nil, 0, fmt.Errorf("%w: version %d is newer than %d", ErrFormat, metadata.FileFormatVersion, FormatVersion)
	}
	metadata.Started = time.Unix(startSec, int64(startNano))
	metadata.Finished = time.Unix(finishSec, int64(finishNano))

	var err error
	if metadata.SweepID, err = readString(in); err != nil {
		return nil, 0, fmt.Errorf("failed to read sweep id: %w", err)
	}
	if metadata.DeviceInfo, err = readString(in); err != nil {
		return nil, 0, fmt.Errorf("failed to read device info: %w", err)
	}

	if err := binary.Read(in, binary.LittleEndian, &count); err != nil {
		return nil, 0, fmt.Errorf("failed to read point count: %w", err)
	}

	return &metadata, count, nil
}

// ReadFile reads the complete file including all points.
func ReadFile(filename string) (*Metadata, []collector.Point, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	in := bufio.NewReader(file)
	metadata, count, err := readHeader(in)
	if err != nil {
		return nil, nil, err
	}

	points := make([]collector.Point, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec pointRecord
		if err := binary.Read(in, binary.LittleEndian, &rec); err != nil {
			return nil, nil, fmt.Errorf("failed to read point %d: %w", i, err)
		}
		warning, err := readString(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read point %d: %w", i, err)
		}

		points = append(points, collector.Point{
			Frequency:  rec.Frequency,
			Gain:       rec.Gain,
			Phase:      rec.Phase,
			RangeA:     rec.RangeA,
			RangeB:     rec.RangeB,
			AmplitudeA: rec.AmplitudeA,
			AmplitudeB: rec.AmplitudeB,
			Attempts:   int(rec.Attempts),
			Warning:    warning,
		})
	}

	return metadata, points, nil
}

// ReadMetadata reads only the header without loading the points.
func ReadMetadata(filename string) (*Metadata, uint32, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return readHeader(bufio.NewReader(file))
}
