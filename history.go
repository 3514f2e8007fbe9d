package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// History records finished epochs in a SQLite database inside the log
// directory, one row per epoch plus one row per run. Training writes it,
// the analysis phase reads it back, and because it is plain SQLite any
// query tool can dig through old runs without parsing logs.
type History struct {
	db *sql.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at  TEXT NOT NULL,
	phase       TEXT NOT NULL,
	arch        TEXT NOT NULL,
	dataset     TEXT NOT NULL,
	sources     TEXT NOT NULL,
	targets     TEXT NOT NULL,
	mix_layers  TEXT NOT NULL,
	trade_off   REAL NOT NULL,
	seed        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id       INTEGER NOT NULL REFERENCES runs(id),
	epoch        INTEGER NOT NULL,
	train_loss   REAL NOT NULL,
	cls_loss     REAL NOT NULL,
	penalty_loss REAL NOT NULL,
	train_acc    REAL NOT NULL,
	val_acc      REAL NOT NULL,
	oracle_acc   REAL NOT NULL,
	lr           REAL NOT NULL,
	best         INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*History, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// RunRecord describes one training or test invocation.
type RunRecord struct {
	ID        int64
	StartedAt time.Time
	Phase     string
	Arch      string
	Dataset   string
	Sources   []string
	Targets   []string
	MixLayers []string
	TradeOff  float64
	Seed      uint64
}

// BeginRun inserts the run row and returns its id.
func (h *History) BeginRun(r *RunRecord) (int64, error) {
	res, err := h.db.Exec(
		`INSERT INTO runs (started_at, phase, arch, dataset, sources, targets, mix_layers, trade_off, seed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StartedAt.UTC().Format(time.RFC3339), r.Phase, r.Arch, r.Dataset,
		strings.Join(r.Sources, ","), strings.Join(r.Targets, ","),
		strings.Join(r.MixLayers, ","), r.TradeOff, int64(r.Seed),
	)
	if err != nil {
		return 0, fmt.Errorf("history: inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: run id: %w", err)
	}
	r.ID = id
	return id, nil
}

// EpochRecord is one finished epoch of a run.
type EpochRecord struct {
	Epoch       int
	TrainLoss   float64
	ClsLoss     float64
	PenaltyLoss float64
	TrainAcc    float64
	ValAcc      float64
	OracleAcc   float64 // target-domain accuracy, -1 when no target was scored
	LR          float64
	Best        bool
}

// RecordEpoch appends one epoch row for the run.
func (h *History) RecordEpoch(runID int64, e *EpochRecord) error {
	best := 0
	if e.Best {
		best = 1
	}
	_, err := h.db.Exec(
		`INSERT INTO epochs (run_id, epoch, train_loss, cls_loss, penalty_loss, train_acc, val_acc, oracle_acc, lr, best)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.TrainLoss, e.ClsLoss, e.PenaltyLoss, e.TrainAcc, e.ValAcc, e.OracleAcc, e.LR, best,
	)
	if err != nil {
		return fmt.Errorf("history: inserting epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// LatestRun returns the most recent run, or an error when the database
// holds none.
func (h *History) LatestRun() (*RunRecord, error) {
	row := h.db.QueryRow(
		`SELECT id, started_at, phase, arch, dataset, sources, targets, mix_layers, trade_off, seed
		 FROM runs ORDER BY id DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: no runs recorded")
	}
	return r, err
}

// Run returns one run by id.
func (h *History) Run(id int64) (*RunRecord, error) {
	row := h.db.QueryRow(
		`SELECT id, started_at, phase, arch, dataset, sources, targets, mix_layers, trade_off, seed
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: no run %d", id)
	}
	return r, err
}

func scanRun(row *sql.Row) (*RunRecord, error) {
	var r RunRecord
	var started, sources, targets, mixLayers string
	var seed int64
	err := row.Scan(&r.ID, &started, &r.Phase, &r.Arch, &r.Dataset,
		&sources, &targets, &mixLayers, &r.TradeOff, &seed)
	if err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339, started)
	r.Sources = splitList(sources)
	r.Targets = splitList(targets)
	r.MixLayers = splitList(mixLayers)
	r.Seed = uint64(seed)
	return &r, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Epochs returns a run's epoch rows in order.
func (h *History) Epochs(runID int64) ([]EpochRecord, error) {
	rows, err := h.db.Query(
		`SELECT epoch, train_loss, cls_loss, penalty_loss, train_acc, val_acc, oracle_acc, lr, best
		 FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: reading epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var e EpochRecord
		var best int
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.ClsLoss, &e.PenaltyLoss,
			&e.TrainAcc, &e.ValAcc, &e.OracleAcc, &e.LR, &best); err != nil {
			return nil, fmt.Errorf("history: scanning epoch: %w", err)
		}
		e.Best = best != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
