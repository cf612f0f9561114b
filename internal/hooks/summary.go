package hooks

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"pointnet-trainer/internal/objective"
)

// SummaryFile is the scalar summary database written under the log dir.
const SummaryFile = "summaries.db"

const summarySchema = `CREATE TABLE IF NOT EXISTS scalars (
	step      INTEGER NOT NULL,
	tag       TEXT    NOT NULL,
	value     REAL    NOT NULL,
	wall_time REAL    NOT NULL
)`

// Scalar is one stored summary value.
type Scalar struct {
	Step     int64
	Tag      string
	Value    float64
	WallTime time.Time
}

// Summary appends the loss terms and accuracy of a step to a sqlite table on
// the first step and every n steps after.
type Summary struct {
	Base
	path  string
	timer timer
	db    *sql.DB
	now   func() time.Time
}

// NewSummary returns a Summary hook writing to dir/summaries.db.
func NewSummary(dir string, n int) *Summary {
	return &Summary{path: filepath.Join(dir, SummaryFile), timer: newTimer(n), now: time.Now}
}

// Begin implements Hook.
func (s *Summary) Begin() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "hooks: summary dir")
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return errors.Wrapf(err, "hooks: open %s", s.path)
	}
	if _, err := db.Exec(summarySchema); err != nil {
		db.Close()
		return errors.Wrapf(err, "hooks: create schema in %s", s.path)
	}
	s.db = db
	return nil
}

// AfterRun implements Hook.
func (s *Summary) AfterRun(_ State, v RunValues) error {
	if s.db == nil || !s.timer.due(v.Step) {
		return nil
	}
	s.timer.mark(v.Step)
	return s.write(v.Step, v.Terms)
}

func (s *Summary) write(step int64, terms []objective.Term) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "hooks: begin summary")
	}
	wall := float64(s.now().UnixNano()) / 1e9
	for _, t := range terms {
		if _, err := tx.Exec(`INSERT INTO scalars (step, tag, value, wall_time) VALUES (?, ?, ?, ?)`, step, t.Tag, t.Value, wall); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "hooks: write summary %s", t.Tag)
		}
	}
	return errors.Wrap(tx.Commit(), "hooks: commit summary")
}

// End implements Hook.
func (s *Summary) End(State) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrap(err, "hooks: close summaries")
}

// Abort implements Hook. Rows already committed stay.
func (s *Summary) Abort(error) error { return s.End(nil) }

// ReadScalars returns every row stored for tag in the database at path,
// ordered by step.
func ReadScalars(path, tag string) ([]Scalar, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "hooks: open %s", path)
	}
	defer db.Close()
	rows, err := db.Query(`SELECT step, tag, value, wall_time FROM scalars WHERE tag = ? ORDER BY step`, tag)
	if err != nil {
		return nil, errors.Wrap(err, "hooks: query scalars")
	}
	defer rows.Close()
	var out []Scalar
	for rows.Next() {
		var sc Scalar
		var wall float64
		if err := rows.Scan(&sc.Step, &sc.Tag, &sc.Value, &wall); err != nil {
			return nil, errors.Wrap(err, "hooks: scan scalar")
		}
		sec := int64(wall)
		sc.WallTime = time.Unix(sec, int64((wall-float64(sec))*1e9))
		out = append(out, sc)
	}
	return out, errors.Wrap(rows.Err(), "hooks: read scalars")
}
