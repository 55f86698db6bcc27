// Package storage provides persistent prediction history for the credit rating service.
// It uses BoltDB as the underlying storage engine to keep every rated record and a
// summary of every batch upload.
//
// Keys are prefixed with a zero-padded nanosecond timestamp so a cursor walks records
// in chronological order and range queries are a single Seek.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	predictionsBucket = "predictions" // Bucket name for per-record predictions
	batchesBucket     = "batches"     // Bucket name for batch upload summaries

	dbFile = "credit-rater.db"
)

// ErrNotFound is returned when a keyed lookup has no record.
var ErrNotFound = errors.New("record not found")

// Prediction modes.
const (
	ModeManual = "manual"
	ModeBatch  = "batch"
)

// PredictionRecord is one rated record.
type PredictionRecord struct {
	ID           string             `json:"id"`
	Timestamp    time.Time          `json:"timestamp"`
	Mode         string             `json:"mode"`
	BatchID      string             `json:"batch_id,omitempty"`
	Row          int                `json:"row"`
	Features     map[string]float64 `json:"features"`
	Label        string             `json:"label"`
	ModelVersion string             `json:"model_version"`
}

// Store provides persistent storage for prediction history using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New creates a new storage instance in dataPath.
// It initializes the BoltDB database and creates necessary buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(batchesBucket)); err != nil {
			return fmt.Errorf("create batches bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

// Close closes the database. Calling it more than once is safe.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func timeKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", ts.UnixNano(), id))
}

func timeBound(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", ts.UnixNano()))
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Put(key, data)
}

// StorePrediction stores a single prediction.
func (s *Store) StorePrediction(rec PredictionRecord) error {
	return s.StorePredictions([]PredictionRecord{rec})
}

// StorePredictions stores all records in one transaction; either all are written or none.
func (s *Store) StorePredictions(recs []PredictionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))
		for _, rec := range recs {
			if rec.ID == "" {
				return fmt.Errorf("prediction record has no id")
			}
			if err := putJSON(b, timeKey(rec.Timestamp, rec.ID), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// getRecordsInRange walks a time-keyed bucket from start to end inclusive and decodes
// each value into T. Malformed records are skipped.
func getRecordsInRange[T any](s *Store, bucketName string, start, end time.Time) ([]T, error) {
	var records []T

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		startKey := timeBound(start)
		// '`' sorts after '_', so every id at the end timestamp is included
		endKey := append(timeBound(end), '`')

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// GetPredictionsInRange returns predictions with start <= timestamp <= end, oldest first.
func (s *Store) GetPredictionsInRange(start, end time.Time) ([]PredictionRecord, error) {
	return getRecordsInRange[PredictionRecord](s, predictionsBucket, start, end)
}

// CountPredictions returns the number of stored predictions.
func (s *Store) CountPredictions() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(predictionsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
