// Package scopefile decodes waveform files saved by Tektronix oscilloscopes.
//
// Two formats are supported: the CSV export, whose header carries
// "Sample Interval" and "Record Length" rows, and the binary ISF dump of
// the WFMPRE header followed by a CURVE block. Files are named as
// "[channel:]path"; the format follows the extension (csv, isf, html) unless
// given explicitly.
package scopefile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnknownFormat is returned for a file type without a decoder.
var ErrUnknownFormat = errors.New("scopefile: unknown format")

// FormatError reports a file whose content does not match its format or
// contradicts its own header.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("scopefile: %s: %s", e.Path, e.Reason)
}

// Capture is one decoded waveform.
type Capture struct {
	Path       string
	Channel    string // channel label from the "channel:path" name, may be empty
	Voltage    []float64
	SampleRate float64 // Hz, rounded to an integer like the scope reports it
}

// Duration returns the record length in seconds.
func (c *Capture) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Voltage)) / c.SampleRate
}

// SplitName separates an optional "channel:" prefix from a file name.
func SplitName(name string) (channel, path string) {
	if ch, p, ok := strings.Cut(name, ":"); ok && ch != "" && !strings.ContainsAny(ch, `/\.`) {
		return ch, p
	}
	return "", name
}

// Load decodes name, choosing the decoder from the file extension.
func Load(name string) (*Capture, error) {
	return LoadFormat(name, "")
}

// LoadFormat decodes name with the given format, or by extension when
// format is empty.
func LoadFormat(name, format string) (*Capture, error) {
	channel, path := SplitName(name)

	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
		if format == "" {
			return nil, fmt.Errorf("%w: cannot tell the type of %s, give the format explicitly", ErrUnknownFormat, path)
		}
	}

	var decode func(io.Reader, string) (*Capture, error)
	switch strings.ToLower(format) {
	case "csv":
		decode = decodeCSV
	case "isf", "html":
		decode = decodeISF
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	c, err := decode(bufio.NewReader(f), path)
	if err != nil {
		return nil, err
	}
	c.Channel = channel
	return c, nil
}

// DecodeCSV reads a Tektronix CSV export.
func DecodeCSV(r io.Reader) (*Capture, error) {
	return decodeCSV(r, "<stream>")
}

// DecodeISF reads a Tektronix ISF file.
func DecodeISF(r io.Reader) (*Capture, error) {
	return decodeISF(r, "<stream>")
}

func decodeCSV(r io.Reader, path string) (*Capture, error) {
	var (
		interval float64
		length   = -1
		inHeader = true
		voltage  []float64
	)

	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Split(strings.TrimSpace(scanner.Text()), ",")

		if inHeader {
			key := strings.TrimSpace(fields[0])
			value := ""
			if len(fields) > 1 {
				value = strings.TrimSpace(fields[1])
			}

			var err error
			switch key {
			case "Sample Interval":
				interval, err = strconv.ParseFloat(value, 64)
			case "Record Length":
				var n float64
				n, err = strconv.ParseFloat(value, 64)
				length = int(math.Round(n))
			case "Label":
				inHeader = false
			}
			if err != nil {
				return nil, &FormatError{Path: path, Reason: fmt.Sprintf("line %d: bad %s %q", line, key, value)}
			}
			continue
		}

		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			// column titles between the header and the samples
			if len(voltage) == 0 {
				continue
			}
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("line %d: bad sample %q", line, fields[1])}
		}
		voltage = append(voltage, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if inHeader {
		return nil, &FormatError{Path: path, Reason: "no Label row ends the header"}
	}
	if !(interval > 0) {
		return nil, &FormatError{Path: path, Reason: "missing or invalid Sample Interval"}
	}
	if length >= 0 && len(voltage) != length {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("%d samples but Record Length is %d", len(voltage), length)}
	}

	return &Capture{Path: path, Voltage: voltage, SampleRate: math.Round(1 / interval)}, nil
}

func decodeISF(r io.Reader, path string) (*Capture, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	hash := bytes.IndexByte(content, '#')
	if hash < 0 || hash+2 > len(content) {
		return nil, &FormatError{Path: path, Reason: "no binary block"}
	}

	head := parseISFHeader(string(content[:hash]))

	digits, err := strconv.ParseUint(string(content[hash+1]), 16, 8)
	if err != nil || digits == 0 || hash+2+int(digits) > len(content) {
		return nil, &FormatError{Path: path, Reason: "bad block length prefix"}
	}
	declared, err := strconv.Atoi(string(content[hash+2 : hash+2+int(digits)]))
	if err != nil {
		return nil, &FormatError{Path: path, Reason: "bad block length"}
	}

	data := content[hash+2+int(digits):]
	if len(data) < declared {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("block holds %d bytes, header declares %d", len(data), declared)}
	}
	data = data[:declared]

	var (
		points                   int
		ymult, yzero, yoff, xinc float64
		bits                     int
	)
	numeric := []struct {
		key string
		dst any
	}{
		{"NR_PT", &points},
		{"BIT_NR", &bits},
		{"YMULT", &ymult},
		{"YZERO", &yzero},
		{"YOFF", &yoff},
		{"XINCR", &xinc},
	}
	for _, n := range numeric {
		s, ok := head[n.key]
		if !ok {
			return nil, &FormatError{Path: path, Reason: "header lacks " + n.key}
		}
		switch dst := n.dst.(type) {
		case *int:
			*dst, err = strconv.Atoi(s)
		case *float64:
			*dst, err = strconv.ParseFloat(s, 64)
		}
		if err != nil {
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("bad %s %q", n.key, s)}
		}
	}

	var order binary.ByteOrder = binary.BigEndian
	switch head["BYT_OR"] {
	case "MSB", "":
	case "LSB":
		order = binary.LittleEndian
	default:
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("bad BYT_OR %q", head["BYT_OR"])}
	}

	var raw []float64
	switch bits {
	case 16:
		raw = make([]float64, len(data)/2)
		for i := range raw {
			raw[i] = float64(int16(order.Uint16(data[2*i:])))
		}
	case 8:
		raw = make([]float64, len(data))
		for i, b := range data {
			raw[i] = float64(int8(b))
		}
	default:
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported bit depth %d", bits)}
	}

	if len(raw) < points {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("%d samples but NR_PT is %d", len(raw), points)}
	}
	raw = raw[:points]

	for i, y := range raw {
		raw[i] = (y-yoff)*ymult + yzero
	}

	if !(xinc > 0) {
		return nil, &FormatError{Path: path, Reason: "XINCR must be positive"}
	}

	return &Capture{Path: path, Voltage: raw, SampleRate: math.Round(1 / xinc)}, nil
}

// parseISFHeader splits ";"-separated "KEY value" pairs. Keys lose any
// ":WFMPRE:" style prefix and quoted values lose their quotes.
func parseISFHeader(s string) map[string]string {
	head := make(map[string]string)
	for _, item := range strings.Split(s, ";") {
		key, value, _ := strings.Cut(strings.TrimSpace(item), " ")
		if i := strings.LastIndexByte(key, ':'); i >= 0 {
			key = key[i+1:]
		}
		if key == "" {
			continue
		}
		head[strings.ToUpper(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return head
}
