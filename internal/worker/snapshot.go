package worker

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

// obsColumn is the synthetic variable carrying original observation numbers
// through the in-engine filter. It becomes the frame index, not a column.
const obsColumn = "__bridge_obs"

// readSnapshot assembles a DataFrame from the CSV and meta files written by
// the snapshot script.
func readSnapshot(csvPath, metaPath string, maxRows int) (*v1.DataFrame, error) {
	total, dtypes, err := readSnapshotMeta(metaPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	frame := &v1.DataFrame{
		Columns: []string{},
		Dtypes:  map[string]string{},
		Data:    [][]interface{}{},
		Index:   []int{},
		MaxRows: maxRows,
	}

	if len(records) == 0 {
		frame.TotalRows = total
		return frame, nil
	}

	header := records[0]
	obsIdx := -1
	for i, col := range header {
		if col == obsColumn {
			obsIdx = i
			continue
		}
		frame.Columns = append(frame.Columns, col)
		if t, ok := dtypes[col]; ok {
			frame.Dtypes[col] = t
		}
	}

	for _, rec := range records[1:] {
		row := make([]interface{}, 0, len(frame.Columns))
		for i, field := range rec {
			if i == obsIdx {
				if n, err := strconv.Atoi(field); err == nil {
					frame.Index = append(frame.Index, n)
				} else {
					frame.Index = append(frame.Index, len(frame.Index))
				}
				continue
			}
			if i >= len(header) {
				continue
			}
			row = append(row, convertField(field, frame.Dtypes[header[i]]))
		}
		frame.Data = append(frame.Data, row)
	}

	// Sequential index when the obs column is absent for any reason.
	if obsIdx == -1 {
		frame.Index = frame.Index[:0]
		for i := range frame.Data {
			frame.Index = append(frame.Index, i)
		}
	}

	frame.Rows = len(frame.Data)
	frame.TotalRows = total
	if frame.TotalRows < frame.Rows {
		frame.TotalRows = frame.Rows
	}
	frame.DisplayedRows = frame.Rows
	return frame, nil
}

// readSnapshotMeta parses the sidecar meta file: one total= line plus one
// var=name,type=stata-type line per variable.
func readSnapshotMeta(path string) (int, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("read snapshot meta: %w", err)
	}

	total := 0
	dtypes := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "total="):
			total, _ = strconv.Atoi(strings.TrimPrefix(line, "total="))
		case strings.HasPrefix(line, "var="):
			rest := strings.TrimPrefix(line, "var=")
			parts := strings.SplitN(rest, ",type=", 2)
			if len(parts) == 2 && parts[0] != obsColumn {
				dtypes[parts[0]] = parts[1]
			}
		}
	}
	return total, dtypes, nil
}

// convertField maps a CSV field to a JSON-friendly value using the Stata
// storage type: numeric types become float64, missing values become nil,
// strings stay strings.
func convertField(field, dtype string) interface{} {
	if strings.HasPrefix(dtype, "str") {
		return field
	}
	if field == "" || field == "." {
		return nil
	}
	if n, err := strconv.ParseFloat(field, 64); err == nil {
		return n
	}
	return field
}
