package btrack

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// WriteLBEP writes the lineage table as CSV with a header row
func WriteLBEP(w io.Writer, rows []LBEPRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"label", "begin", "end", "parent", "root", "generation"}); err != nil {
		return errors.Wrap(err, "can't write header")
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.Label),
			strconv.Itoa(row.Begin),
			strconv.Itoa(row.End),
			strconv.Itoa(row.Parent),
			strconv.Itoa(row.Root),
			strconv.Itoa(row.Generation),
		}
		if err := writer.Write(record); err != nil {
			return errors.Wrapf(err, "can't write track %d", row.Label)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTracksCSV writes the flattened track table as CSV with a header row
func WriteTracksCSV(w io.Writer, rows []FlatRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"track_id", "t", "x", "y", "z", "dummy"}); err != nil {
		return errors.Wrap(err, "can't write header")
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.TrackID),
			strconv.Itoa(row.T),
			strconv.FormatFloat(row.X, 'f', -1, 64),
			strconv.FormatFloat(row.Y, 'f', -1, 64),
			strconv.FormatFloat(row.Z, 'f', -1, 64),
			strconv.FormatBool(row.Dummy),
		}
		if err := writer.Write(record); err != nil {
			return errors.Wrapf(err, "can't write track %d", row.TrackID)
		}
	}
	writer.Flush()
	return writer.Error()
}

// SaveTrackPlot draws every track as a line in the XY plane and saves the
// figure. The image format follows the file extension (png, svg, pdf...).
func SaveTrackPlot(rows []FlatRow, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	byTrack := make(map[int]plotter.XYs)
	order := make([]int, 0)
	for _, row := range rows {
		if _, ok := byTrack[row.TrackID]; !ok {
			order = append(order, row.TrackID)
		}
		byTrack[row.TrackID] = append(byTrack[row.TrackID], plotter.XY{X: row.X, Y: row.Y})
	}
	for i, id := range order {
		line, err := plotter.NewLine(byTrack[id])
		if err != nil {
			return errors.Wrapf(err, "can't plot track %d", id)
		}
		line.Width = vg.Points(1)
		line.Color = plotutil.Color(i)
		p.Add(line)
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "can't save plot to %s", path)
	}
	return nil
}

// SaveTracksSQL stores the lineage table and the flattened tracks in a SQL
// database, replacing the rows of a previous export of the same session.
func SaveTracksSQL(ctx context.Context, db *sql.DB, session string, lbep []LBEPRow, rows []FlatRow) error {
	schema := `
		CREATE TABLE IF NOT EXISTS lbep (
			session TEXT NOT NULL,
			label INTEGER NOT NULL,
			begin_frame INTEGER NOT NULL,
			end_frame INTEGER NOT NULL,
			parent INTEGER NOT NULL,
			root INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			PRIMARY KEY (session, label)
		);

		CREATE TABLE IF NOT EXISTS track_points (
			session TEXT NOT NULL,
			track_id INTEGER NOT NULL,
			t INTEGER NOT NULL,
			x REAL,
			y REAL,
			z REAL,
			dummy INTEGER NOT NULL,
			PRIMARY KEY (session, track_id, t)
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create schema")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()
	for _, table := range []string{"lbep", "track_points"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session = ?", session); err != nil {
			return errors.Wrapf(err, "clear %s", table)
		}
	}
	for _, row := range lbep {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lbep (session, label, begin_frame, end_frame, parent, root, generation)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session, row.Label, row.Begin, row.End, row.Parent, row.Root, row.Generation,
		)
		if err != nil {
			return errors.Wrapf(err, "insert lbep %d", row.Label)
		}
	}
	for _, row := range rows {
		dummy := 0
		if row.Dummy {
			dummy = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO track_points (session, track_id, t, x, y, z, dummy)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session, row.TrackID, row.T, row.X, row.Y, row.Z, dummy,
		)
		if err != nil {
			return errors.Wrapf(err, "insert point of track %d at %d", row.TrackID, row.T)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}
