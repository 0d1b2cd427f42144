package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region badger-config
// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *zap.Logger
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
// #endregion badger-config

// #region badger-store
// BadgerStore keeps cells as JSON values under per-experiment key prefixes:
//
//	exp/<name>/meta
//	exp/<name>/cell/<seq>
//	exp/<name>/done/<steer>\x00<test>
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	mu  sync.Mutex // single writer
}

// NewBadgerStore opens the database described by cfg.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/cells"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cell sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	relErr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return err
	}
	return relErr
}
// #endregion badger-store

// #region badger-keys
func metaKey(exp string) []byte { return []byte("exp/" + exp + "/meta") }

func cellPrefix(exp string) []byte { return []byte("exp/" + exp + "/cell/") }

func cellKey(exp string, n uint64) []byte {
	return []byte(fmt.Sprintf("exp/%s/cell/%020d", exp, n))
}

func doneKey(exp string, k matrix.Key) []byte {
	return []byte("exp/" + exp + "/done/" + k.Steer + "\x00" + k.Test)
}
// #endregion badger-keys

// #region badger-experiments
// CreateExperiment stores metadata for a new experiment.
func (s *BadgerStore) CreateExperiment(ctx context.Context, md Metadata) error {
	if md.Experiment == "" {
		return fmt.Errorf("create experiment: empty name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now().UTC()
	}
	val, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(md.Experiment))
		if err == nil {
			return fmt.Errorf("%s: %w", md.Experiment, ErrExperimentExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check experiment: %w", err)
		}
		return txn.Set(metaKey(md.Experiment), val)
	})
}

// Experiment loads the metadata for name.
func (s *BadgerStore) Experiment(ctx context.Context, name string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	var md Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get experiment %s: %w", name, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &md)
		})
	})
	return md, err
}
// #endregion badger-experiments

// #region badger-cells
// AppendCell writes one terminal cell. DONE cells also set a marker key so a
// second DONE for the same pair is rejected inside the same transaction.
func (s *BadgerStore) AppendCell(ctx context.Context, experiment string, c matrix.Cell) error {
	c, err := prepareCell(c)
	if err != nil {
		return fmt.Errorf("append cell: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cell: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(experiment)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", experiment, ErrNotFound)
			}
			return err
		}
		if c.Status == matrix.StatusDone {
			dk := doneKey(experiment, c.Key())
			_, err := txn.Get(dk)
			if err == nil {
				return fmt.Errorf("%s: %w", c.Key(), ErrDuplicateCell)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("check duplicate: %w", err)
			}
			if err := txn.Set(dk, cellKey(experiment, n)); err != nil {
				return err
			}
		}
		return txn.Set(cellKey(experiment, n), val)
	})
}

// Cells scans the experiment's cell prefix in sequence order.
func (s *BadgerStore) Cells(ctx context.Context, experiment string) ([]matrix.Cell, error) {
	var cells []matrix.Cell
	prefix := cellPrefix(experiment)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c matrix.Cell
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			cells = append(cells, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	return cells, nil
}
// #endregion badger-cells
