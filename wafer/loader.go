package wafer

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/spaceforge/orbitalfab/config"
)

// manifestRow is one line of a wafer manifest. The manifest supplies job
// identity only; stage durations, power and defect rates come from config.
type manifestRow struct {
	ID string `csv:"wafer_id"`
}

// LoadManifest reads a CSV manifest of wafer IDs and builds one wafer per
// row using the configured stage definitions. IDs must be unique.
func LoadManifest(path string, stages []config.StageConfig) ([]Wafer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	var rows []manifestRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	return FromIDs(rowIDs(rows), stages)
}

// FromIDs builds wafers directly from identifiers, for callers that have
// their own source of job identity.
func FromIDs(ids []string, stages []config.StageConfig) ([]Wafer, error) {
	seen := make(map[string]struct{}, len(ids))
	wafers := make([]Wafer, 0, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("wafer %d has an empty id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate wafer id %q", id)
		}
		seen[id] = struct{}{}
		wafers = append(wafers, New(id, stages))
	}
	return wafers, nil
}

func rowIDs(rows []manifestRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
