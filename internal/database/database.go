package database

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	databaseFilename = "speedtest.db"
	DefaultLimit     = 20
)

type Database interface {
	InsertResult(context.Context, *types.MeasurementResult) error
	// GetRecentResults returns at most limit results, newest first.
	GetRecentResults(context.Context, int) ([]types.MeasurementResult, error)
	Close() error
}

var _ Database = &database{}

type database struct {
	db *sql.DB
}

func NewDatabase(ctx context.Context, dir string) (Database, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, databaseFilename))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	createText :=
		`CREATE TABLE IF NOT EXISTS results (
			runID TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			downloadMbps REAL NOT NULL,
			uploadMbps REAL NOT NULL,
			pingMS REAL NOT NULL,
			jitterMS REAL NOT NULL,
			packetLoss REAL,
			isp TEXT NOT NULL,
			serverName TEXT NOT NULL,
			serverID TEXT NOT NULL,
			serverLocation TEXT NOT NULL,
			resultURL TEXT
		)`
	if _, err := db.ExecContext(ctx, createText); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create results table")
	}

	return &database{
		db: db,
	}, nil
}

func (d *database) InsertResult(ctx context.Context, result *types.MeasurementResult) error {
	insertText :=
		`INSERT INTO results
		(runID, timestamp, downloadMbps, uploadMbps, pingMS, jitterMS, packetLoss, isp, serverName, serverID, serverLocation, resultURL)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err := d.db.ExecContext(ctx, insertText,
		result.RunID, result.Timestamp, result.DownloadMbps, result.UploadMbps, result.PingMS, result.JitterMS,
		result.PacketLoss, result.ISP, result.ServerName, result.ServerID, result.ServerLocation, result.ResultURL)
	if err != nil {
		return errors.Wrap(err, "failed to execute insert")
	}
	return nil
}

func (d *database) GetRecentResults(ctx context.Context, limit int) ([]types.MeasurementResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := d.db.QueryContext(ctx,
		`
			SELECT runID, timestamp, downloadMbps, uploadMbps, pingMS, jitterMS, packetLoss, isp, serverName, serverID, serverLocation, resultURL
			FROM results
			ORDER BY timestamp DESC
			LIMIT ?
		`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query results table")
	}
	defer rows.Close()

	results := make([]types.MeasurementResult, 0, limit)
	for rows.Next() {
		var r types.MeasurementResult
		err := rows.Scan(&r.RunID, &r.Timestamp, &r.DownloadMbps, &r.UploadMbps, &r.PingMS, &r.JitterMS,
			&r.PacketLoss, &r.ISP, &r.ServerName, &r.ServerID, &r.ServerLocation, &r.ResultURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row for result values")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate results")
	}

	return results, nil
}

func (d *database) Close() error {
	return d.db.Close()
}
