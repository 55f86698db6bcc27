package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// BatchRecord summarizes one batch upload.
type BatchRecord struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Source       string         `json:"source"`
	Rows         int            `json:"rows"`
	ImputedCells int            `json:"imputed_cells"`
	Labels       map[string]int `json:"labels"`
	ModelVersion string         `json:"model_version"`
}

// StoreBatch stores a batch summary together with its per-row predictions in one
// transaction.
func (s *Store) StoreBatch(batch BatchRecord, recs []PredictionRecord) error {
	if batch.ID == "" {
		return fmt.Errorf("batch record has no id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(batchesBucket)), timeKey(batch.Timestamp, batch.ID), batch); err != nil {
			return err
		}
		b := tx.Bucket([]byte(predictionsBucket))
		for _, rec := range recs {
			if err := putJSON(b, timeKey(rec.Timestamp, rec.ID), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatch looks up a batch summary by id.
func (s *Store) GetBatch(id string) (*BatchRecord, error) {
	var found *BatchRecord
	suffix := []byte("_" + id)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(batchesBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			var rec BatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal batch %s: %w", id, err)
			}
			found = &rec
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return found, nil
}

// GetBatchesInRange returns batch summaries with start <= timestamp <= end, oldest first.
func (s *Store) GetBatchesInRange(start, end time.Time) ([]BatchRecord, error) {
	return getRecordsInRange[BatchRecord](s, batchesBucket, start, end)
}

// ExportPredictionsCSV writes records as CSV with one column per feature, in the order
// given by featureNames.
func ExportPredictionsCSV(w io.Writer, recs []PredictionRecord, featureNames []string) error {
	cw := csv.NewWriter(w)

	header := []string{"id", "timestamp", "mode", "batch_id", "row"}
	header = append(header, featureNames...)
	header = append(header, "label", "model_version")
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, rec := range recs {
		row := []string{
			rec.ID,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.Mode,
			rec.BatchID,
			strconv.Itoa(rec.Row),
		}
		for _, name := range featureNames {
			row = append(row, strconv.FormatFloat(rec.Features[name], 'g', -1, 64))
		}
		row = append(row, rec.Label, rec.ModelVersion)
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// LabelCounts tallies labels across records, sorted by label.
func LabelCounts(recs []PredictionRecord) []LabelCount {
	counts := make(map[string]int)
	for _, r := range recs {
		counts[r.Label]++
	}
	out := make([]LabelCount, 0, len(counts))
	for label, n := range counts {
		out = append(out, LabelCount{Label: label, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// LabelCount is one entry of LabelCounts.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
