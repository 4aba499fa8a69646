// Package header parses a raw measurement file into a ParsedMeasurement:
// three sections (#Parameters:, #Metadata:, #Data:) coerced against a
// catalog.ProcedureSpec, or a classified reject.
package header

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Joaquim-mph/optothermal/internal/catalog"
	"github.com/Joaquim-mph/optothermal/internal/engineerr"
)

const (
	anchorParameters = "#Parameters:"
	anchorMetadata   = "#Metadata:"
	anchorData       = "#Data:"
)

// Column is one typed data column, stored as parallel any-typed cells so a
// single representation covers float/int/str/bool/datetime columns.
type Column struct {
	Type  catalog.FieldType
	Cells []any
}

// Floats returns the column's cells coerced to float64, skipping any that
// are not numeric. Extractors call this on columns already declared
// catalog.TypeFloat or catalog.TypeInt.
func (c Column) Floats() []float64 {
	out := make([]float64, 0, len(c.Cells))
	for _, v := range c.Cells {
		switch x := v.(type) {
		case float64:
			out = append(out, x)
		case int64:
			out = append(out, float64(x))
		}
	}
	return out
}

// ParsedMeasurement is the in-memory result of a successful header parse.
type ParsedMeasurement struct {
	Procedure    string
	Parameters   map[string]any
	Metadata     map[string]any
	Data         map[string]Column
	DataOrder    []string // declaration order, for stable columnar write-out
	StartUTC     time.Time
	StartLocal   time.Time
	DroppedRows  int
}

// Options controls parsing leniency.
type Options struct {
	LocalTZ    *time.Location
	StrictData bool // unknown data columns are dropped rather than tolerated
	Strict     bool // rows that fail type coercion are rejected rather than dropped
}

// Parse splits raw into its three sections, coerces values per spec, and
// returns a ParsedMeasurement or a classified *engineerr.Error.
func Parse(raw []byte, procedure string, spec catalog.ProcedureSpec, opts Options) (*ParsedMeasurement, error) {
	lines := splitLines(raw)

	paramIdx, metaIdx, dataIdx := -1, -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case anchorParameters:
			if paramIdx == -1 {
				paramIdx = i
			}
		case anchorMetadata:
			if metaIdx == -1 {
				metaIdx = i
			}
		case anchorData:
			if dataIdx == -1 {
				dataIdx = i
			}
		}
	}
	if paramIdx == -1 || metaIdx == -1 || dataIdx == -1 || !(paramIdx < metaIdx && metaIdx < dataIdx) {
		return nil, engineerr.New(engineerr.KindMalformedHeader,
			"missing or out-of-order section anchors (#Parameters:/#Metadata:/#Data:)", nil)
	}

	params, err := parseKeyValueSection(lines[paramIdx+1:metaIdx], spec.Parameters)
	if err != nil {
		return nil, err
	}
	meta, err := parseKeyValueSection(lines[metaIdx+1:dataIdx], spec.Metadata)
	if err != nil {
		return nil, err
	}

	dataLines := lines[dataIdx+1:]
	dataLines = trimBlank(dataLines)
	if len(dataLines) < 2 {
		return nil, engineerr.New(engineerr.KindMalformedHeader, "data section is empty", nil)
	}

	data, order, dropped, err := parseDataSection(dataLines, spec.Data, opts)
	if err != nil {
		return nil, err
	}

	startUTC, startLocal, err := resolveStartTime(meta, params, opts.LocalTZ)
	if err != nil {
		return nil, err
	}

	return &ParsedMeasurement{
		Procedure:   procedure,
		Parameters:  params,
		Metadata:    meta,
		Data:        data,
		DataOrder:   order,
		StartUTC:    startUTC,
		StartLocal:  startLocal,
		DroppedRows: dropped,
	}, nil
}

func splitLines(raw []byte) []string {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\r"), []byte("\n"))
	return strings.Split(string(raw), "\n")
}

func trimBlank(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func parseKeyValueSection(lines []string, declared map[string]catalog.FieldType) (map[string]any, error) {
	out := make(map[string]any)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		ft, declared := declared[key]
		if !declared {
			// Unknown parameters/metadata are tolerated and kept as strings.
			out[key] = value
			continue
		}
		coerced, err := coerce(value, ft)
		if err != nil {
			return nil, engineerr.TypeCoercionError(key, string(ft), value)
		}
		out[key] = coerced
	}
	return out, nil
}

func parseDataSection(lines []string, declared map[string]catalog.FieldType, opts Options) (map[string]Column, []string, int, error) {
	header := splitDataFields(lines[0])
	columns := make(map[string]Column, len(header))
	order := make([]string, 0, len(header))
	keep := make([]bool, len(header))

	for i, name := range header {
		ft, ok := declared[name]
		if !ok {
			if opts.StrictData {
				keep[i] = false
				continue
			}
			ft = catalog.TypeString
		}
		keep[i] = true
		order = append(order, name)
		columns[name] = Column{Type: ft}
	}

	dropped := 0
	for _, line := range lines[1:] {
		fields := splitDataFields(line)
		if len(fields) != len(header) {
			if opts.Strict {
				return nil, nil, 0, engineerr.New(engineerr.KindUnknownDataColumn,
					"data row has a different column count than the header", nil)
			}
			dropped++
			continue
		}
		row := make(map[string]any, len(order))
		rowOK := true
		for i, raw := range fields {
			if !keep[i] {
				continue
			}
			name := header[i]
			col := columns[name]
			v, err := coerce(raw, col.Type)
			if err != nil {
				if opts.Strict {
					return nil, nil, 0, engineerr.TypeCoercionError(name, string(col.Type), raw)
				}
				rowOK = false
				break
			}
			row[name] = v
		}
		if !rowOK {
			dropped++
			continue
		}
		for name, v := range row {
			col := columns[name]
			col.Cells = append(col.Cells, v)
			columns[name] = col
		}
	}
	return columns, order, dropped, nil
}

func splitDataFields(line string) []string {
	if strings.Contains(line, ",") {
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		return fields
	}
	return strings.Fields(line)
}

func coerce(value string, ft catalog.FieldType) (any, error) {
	switch ft {
	case catalog.TypeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case catalog.TypeInt:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, err
		}
		return i, nil
	case catalog.TypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		return b, nil
	case catalog.TypeDatetime:
		t, naive, err := parseTimestamp(value)
		if err != nil {
			return nil, err
		}
		return datetimeValue{T: t, Naive: naive}, nil
	case catalog.TypeString:
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported field type %q", ft)
	}
}

// datetimeValue is what coerce stores for a TypeDatetime cell: the parsed
// instant plus whether the matched layout carried no zone designator (a
// "naive" wall clock Go defaults to time.UTC, as opposed to a literal that
// is genuinely UTC- or offset-zoned, e.g. one ending in "Z"). attachZone
// uses Naive to decide whether to reinterpret the wall clock in localTZ.
type datetimeValue struct {
	T     time.Time
	Naive bool
}

// timestampLayout pairs a layout with whether it carries zone information.
type timestampLayout struct {
	layout string
	zoned  bool
}

var timestampLayouts = []timestampLayout{
	{time.RFC3339, true},
	{time.RFC3339Nano, true},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02", false},
}

// parseTimestamp tries each recognized layout in turn and reports whether
// the matched layout carried zone information. Naive layouts always parse
// into time.UTC per Go's time.Parse semantics, but that is not a genuine
// zone assignment — callers must not treat it as one.
func parseTimestamp(value string) (t time.Time, naive bool, err error) {
	for _, lk := range timestampLayouts {
		if parsed, perr := time.Parse(lk.layout, value); perr == nil {
			return parsed, !lk.zoned, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized timestamp %q", value)
}

// resolveStartTime pulls the measurement's start time from the Metadata
// section (preferred) or Parameters, interpreting naive timestamps in
// localTZ (defaulting to the system zone) and converting to UTC.
func resolveStartTime(meta, params map[string]any, localTZ *time.Location) (utc, local time.Time, err error) {
	if localTZ == nil {
		localTZ = time.Local
	}
	for _, key := range []string{"Start time", "start_time", "Timestamp", "timestamp"} {
		if v, ok := meta[key]; ok {
			if dt, ok := v.(datetimeValue); ok {
				return attachZone(dt, localTZ)
			}
		}
	}
	for _, key := range []string{"Start time", "start_time", "Timestamp", "timestamp"} {
		if v, ok := params[key]; ok {
			if dt, ok := v.(datetimeValue); ok {
				return attachZone(dt, localTZ)
			}
		}
	}
	return time.Time{}, time.Time{}, engineerr.New(engineerr.KindMalformedHeader,
		"no recognizable start timestamp in Parameters or Metadata", nil)
}

// attachZone converts dt to a UTC/local pair. A naive wall clock (no zone
// designator in the source literal) is reinterpreted in localTZ before
// converting to UTC; a genuinely zoned wall clock (e.g. one that ended in
// "Z" or carried an explicit offset) is never reinterpreted, since it
// already names a real instant.
func attachZone(dt datetimeValue, localTZ *time.Location) (utc, local time.Time, err error) {
	if dt.Naive {
		naive := time.Date(dt.T.Year(), dt.T.Month(), dt.T.Day(), dt.T.Hour(), dt.T.Minute(), dt.T.Second(), dt.T.Nanosecond(), localTZ)
		return naive.UTC(), naive, nil
	}
	return dt.T.UTC(), dt.T.In(localTZ), nil
}
