package btrack

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadObjectsCSV reads detections from CSV rows of t,x,y,z with an optional
// label column. A header row is skipped when its first cell is not a number.
func ReadObjectsCSV(r io.Reader) ([]TrackObject, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	objects := make([]TrackObject, 0)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		if line == 1 {
			if _, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64); err != nil {
				continue
			}
		}
		obj, err := parseObjectRecord(record)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func parseObjectRecord(record []string) (TrackObject, error) {
	if len(record) < 3 {
		return TrackObject{}, errors.Wrapf(ErrDimensionMismatch, "expected at least t,x,y, got %d columns", len(record))
	}
	values := make([]float64, 4)
	for i := 0; i < 4 && i < len(record); i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return TrackObject{}, errors.Wrapf(err, "column %d", i)
		}
		values[i] = v
	}
	t := int(values[0])
	if float64(t) != values[0] {
		return TrackObject{}, errors.Errorf("frame index %v is not an integer", values[0])
	}
	obj := NewTrackObject(t, values[1], values[2], values[3])
	if len(record) > 4 && strings.TrimSpace(record[4]) != "" {
		label, err := strconv.Atoi(strings.TrimSpace(record[4]))
		if err != nil {
			return TrackObject{}, errors.Wrap(err, "label column")
		}
		obj.Label = label
	}
	return obj, nil
}
