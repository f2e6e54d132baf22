// Package storage persists the merged observation history and the
// append-only prediction log in a single BoltDB file, and keeps trained
// model artifacts as versioned JSON files on disk.
//
// Observation keys sort as "storageID|stackID|YYYY-MM-DD", so one cursor
// seek per stack yields its rows in ascending date order.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"coalfire/internal/dataset"
	"coalfire/internal/ml"
)

const (
	observationsBucket = "observations"
	predictionsBucket  = "predictions"

	keyDateLayout = "2006-01-02"
)

// Store wraps the BoltDB history database: merged per-day stack observations
// and the prediction log.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the history database at dbPath and ensures both
// buckets exist.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(observationsBucket)); err != nil {
			return fmt.Errorf("create observations bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Safe to call on a store that never opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func observationKey(storageID, stackID string, date time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", storageID, stackID, dataset.Day(date).Format(keyDateLayout)))
}

// PutObservations upserts a merged batch in one transaction. Re-merging the
// same sources overwrites rows in place, so the cache stays idempotent.
func (s *Store) PutObservations(obs []dataset.StackObservation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(observationsBucket))
		for i := range obs {
			data, err := json.Marshal(obs[i])
			if err != nil {
				return fmt.Errorf("marshal observation: %w", err)
			}
			key := observationKey(obs[i].StorageID, obs[i].StackID, obs[i].Date)
			if err := b.Put(key, data); err != nil {
				return fmt.Errorf("put observation %s: %w", key, err)
			}
		}
		return nil
	})
}

// Observations returns one stack's rows dated at or before until, ascending.
// Malformed stored rows are skipped and logged, never fatal.
func (s *Store) Observations(storageID, stackID string, until time.Time) ([]dataset.StackObservation, error) {
	var out []dataset.StackObservation

	prefix := []byte(fmt.Sprintf("%s|%s|", storageID, stackID))
	endKey := observationKey(storageID, stackID, until)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(observationsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if bytes.Compare(k, endKey) > 0 {
				break
			}
			var o dataset.StackObservation
			if err := json.Unmarshal(v, &o); err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("skipping malformed observation row")
				continue
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

// AllObservations streams every stored observation to fn, ascending by key.
// Used by scheduled retraining to rebuild the matrix from the cache.
func (s *Store) AllObservations(fn func(dataset.StackObservation) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(observationsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var o dataset.StackObservation
			if err := json.Unmarshal(v, &o); err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("skipping malformed observation row")
				continue
			}
			if err := fn(o); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendPrediction stores one inference outcome. The log is append-only:
// nothing ever mutates or deletes an entry.
func (s *Store) AppendPrediction(res ml.PredictionResult) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}

		// UnixNano orders the log; the UUID keeps same-instant entries
		// from colliding.
		key := fmt.Sprintf("%s|%s_%d_%s", res.StorageID, res.StackID, res.CreatedAt.UnixNano(), res.ID)
		return b.Put([]byte(key), data)
	})
}

// RecentPredictions returns up to limit entries, newest first. Keys group by
// stack, not time, so the whole log is scanned and ordered by CreatedAt.
func (s *Store) RecentPredictions(limit int) ([]ml.PredictionResult, error) {
	var out []ml.PredictionResult

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r ml.PredictionResult
			if err := json.Unmarshal(v, &r); err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("skipping malformed prediction row")
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StackPredictions returns one stack's log entries, oldest first.
func (s *Store) StackPredictions(storageID, stackID string) ([]ml.PredictionResult, error) {
	var out []ml.PredictionResult

	prefix := []byte(fmt.Sprintf("%s|%s_", storageID, stackID))
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r ml.PredictionResult
			if err := json.Unmarshal(v, &r); err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("skipping malformed prediction row")
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
