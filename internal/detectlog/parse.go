package detectlog

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/veil/internal/failure"
)

// Format identifies a detection log encoding.
type Format int

const (
	FormatCSV Format = iota
	FormatJSON
	FormatYAML
)

// FormatFromPath infers the log format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return 0, failure.Wrap(failure.ErrInput, "detectlog", fmt.Sprintf("unsupported log extension %q", filepath.Ext(path)), nil)
	}
}

// column aliases, matched case-insensitively
var (
	frameAliases       = []string{"frame"}
	trackAliases       = []string{"track_id", "trackid", "tid"}
	bboxAliases        = []string{"bbox", "box", "polygon"}
	designationAliases = []string{"object", "obj"}
	typeAliases        = []string{"type"}
	scoreAliases       = []string{"score"}
	classAliases       = []string{"class_id"}
)

// Load parses the log at path, dispatching on its extension.
func Load(path string) (*Log, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.Wrap(failure.ErrInput, "detectlog", "open log", err)
	}
	defer f.Close()

	var log *Log
	if format == FormatCSV {
		log, err = ParseCSV(f)
	} else {
		log, err = ParseStructured(f, format)
	}
	if err != nil {
		return nil, err
	}
	log.Source = path
	return log, nil
}

// ParseCSV reads a tabular log. Missing frame, track or bbox columns is fatal;
// malformed rows are skipped and counted.
func ParseCSV(r io.Reader) (*Log, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, failure.Wrap(failure.ErrInput, "detectlog", "empty csv log", nil)
		}
		return nil, failure.Wrap(failure.ErrInput, "detectlog", "read csv header", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, seen := cols[key]; !seen {
			cols[key] = i
		}
	}
	pick := func(aliases []string) int {
		for _, a := range aliases {
			if idx, ok := cols[a]; ok {
				return idx
			}
		}
		return -1
	}

	cFrame, cTrack, cBBox := pick(frameAliases), pick(trackAliases), pick(bboxAliases)
	var missing []string
	if cFrame < 0 {
		missing = append(missing, "frame")
	}
	if cTrack < 0 {
		missing = append(missing, "track_id")
	}
	if cBBox < 0 {
		missing = append(missing, "bbox")
	}
	if len(missing) > 0 {
		return nil, failure.Wrap(failure.ErrInput, "detectlog", "missing required columns: "+strings.Join(missing, ", "), nil)
	}
	cObj, cType := pick(designationAliases), pick(typeAliases)
	cScore, cClass := pick(scoreAliases), pick(classAliases)

	cell := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var records []Record
	skipped := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, failure.Wrap(failure.ErrInput, "detectlog", "read csv row", err)
		}

		frame, ok := toInt(cell(row, cFrame))
		if !ok || frame < 0 {
			skipped++
			continue
		}
		geom, err := parseGeometryCell(cell(row, cBBox))
		if err != nil {
			skipped++
			continue
		}
		rec := Record{
			Frame:    frame,
			TrackID:  cell(row, cTrack),
			Geometry: geom,
		}
		if code, ok := toInt(cell(row, cObj)); ok {
			rec.Designation = designationFromCode(code)
		}
		if t, ok := toInt(cell(row, cType)); ok {
			rec.Type = t
		}
		if s, ok := toFloat(cell(row, cScore)); ok {
			rec.Score = s
		}
		if c, ok := toInt(cell(row, cClass)); ok {
			rec.ClassID = c
		}
		records = append(records, rec)
	}

	return &Log{Skipped: skipped, Index: NewIndex(records)}, nil
}

type structuredDoc struct {
	SchemaVersion string         `json:"schema_version" yaml:"schema_version"`
	Metadata      map[string]any `json:"metadata" yaml:"metadata"`
	Frames        map[string]any `json:"frames" yaml:"frames"`
}

// ParseStructured reads a frame-keyed JSON or YAML log. A missing frames map is
// fatal; malformed frames and entries are skipped and counted.
func ParseStructured(r io.Reader, format Format) (*Log, error) {
	var doc structuredDoc
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, failure.Wrap(failure.ErrInput, "detectlog", "decode json log", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, failure.Wrap(failure.ErrInput, "detectlog", "decode yaml log", err)
		}
	default:
		return nil, failure.Wrap(failure.ErrInput, "detectlog", "structured log must be json or yaml", nil)
	}
	if doc.Frames == nil {
		return nil, failure.Wrap(failure.ErrInput, "detectlog", "structured log has no frames field", nil)
	}

	frameKeys := make([]int, 0, len(doc.Frames))
	entriesByFrame := make(map[int][]any, len(doc.Frames))
	skipped := 0
	for key, value := range doc.Frames {
		frame, err := strconv.Atoi(strings.TrimSpace(key))
		entries, ok := value.([]any)
		if err != nil || frame < 0 || !ok {
			skipped++
			continue
		}
		frameKeys = append(frameKeys, frame)
		entriesByFrame[frame] = entries
	}

	var records []Record
	for _, frame := range frameKeys {
		for _, entry := range entriesByFrame[frame] {
			rec, ok := recordFromEntry(frame, entry)
			if !ok {
				skipped++
				continue
			}
			records = append(records, rec)
		}
	}

	return &Log{
		SchemaVersion: doc.SchemaVersion,
		Metadata:      doc.Metadata,
		Skipped:       skipped,
		Index:         NewIndex(records),
	}, nil
}

func recordFromEntry(frame int, entry any) (Record, bool) {
	fields, ok := entry.(map[string]any)
	if !ok {
		return Record{}, false
	}
	// Aliases are tried in order. Within one alias an exact key wins, then the
	// smallest case-insensitive match, so duplicate spellings resolve stably.
	lookup := func(aliases []string) (any, bool) {
		for _, a := range aliases {
			if v, ok := fields[a]; ok {
				return v, true
			}
			match := ""
			for key := range fields {
				if strings.EqualFold(key, a) && (match == "" || key < match) {
					match = key
				}
			}
			if match != "" {
				return fields[match], true
			}
		}
		return nil, false
	}

	trackRaw, ok := lookup(trackAliases)
	if !ok || trackRaw == nil {
		return Record{}, false
	}
	bboxRaw, ok := lookup(bboxAliases)
	if !ok {
		return Record{}, false
	}
	geom, err := geometryFromValue(bboxRaw)
	if err != nil {
		return Record{}, false
	}

	rec := Record{Frame: frame, TrackID: trackString(trackRaw), Geometry: geom}
	// object may be an integer code or an empty object, which means unspecified.
	if v, ok := lookup(designationAliases); ok {
		if code, ok := toInt(v); ok {
			rec.Designation = designationFromCode(code)
		}
	}
	if v, ok := lookup(typeAliases); ok {
		if t, ok := toInt(v); ok {
			rec.Type = t
		}
	}
	if v, ok := lookup(scoreAliases); ok {
		if s, ok := toFloat(v); ok {
			rec.Score = s
		}
	}
	if v, ok := lookup(classAliases); ok {
		if c, ok := toInt(v); ok {
			rec.ClassID = c
		}
	}
	return rec, true
}

func trackString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
