package detectlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion is written into every structured log.
const SchemaVersion = "1.0.0"

// Find locates the detection log belonging to videoPath. Exact names are tried
// first, then any .json or .csv in the same folder whose name starts with the
// video's base name.
func Find(videoPath string) (string, bool) {
	dir := filepath.Dir(videoPath)
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	for _, suffix := range []string{".json", ".csv", "_filtered.csv", "_mask.csv", "_detected.csv"} {
		candidate := filepath.Join(dir, base+suffix)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	prefix := strings.ToLower(base)
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasPrefix(name, prefix) && (strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".json")) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return filepath.Join(dir, matches[0]), true
}

// StructuredPath returns the structured log path a detector writes for videoPath.
func StructuredPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".json"
}

type entryOut struct {
	TrackID  string  `json:"track_id"`
	BBox     any     `json:"bbox"`
	BBoxType string  `json:"bbox_type"`
	Score    float64 `json:"score"`
	ClassID  int     `json:"class_id"`
	Type     int     `json:"type"`
	Object   int     `json:"object"`
}

type docOut struct {
	SchemaVersion string                `json:"schema_version"`
	Metadata      map[string]any        `json:"metadata"`
	Frames        map[string][]entryOut `json:"frames"`
}

// WriteStructured writes records as a structured JSON log. The file is written
// to a temporary sibling and renamed, so readers never see a partial log.
func WriteStructured(path string, metadata map[string]any, records []Record) error {
	doc := docOut{
		SchemaVersion: SchemaVersion,
		Metadata:      metadata,
		Frames:        make(map[string][]entryOut),
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	for _, r := range records {
		bbox, kind := geometryValue(r.Geometry)
		key := strconv.Itoa(r.Frame)
		doc.Frames[key] = append(doc.Frames[key], entryOut{
			TrackID:  r.TrackID,
			BBox:     bbox,
			BBoxType: kind,
			Score:    r.Score,
			ClassID:  r.ClassID,
			Type:     r.Type,
			Object:   r.Designation.Code(),
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode structured log: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write structured log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace structured log: %w", err)
	}
	return nil
}
