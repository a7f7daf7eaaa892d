// Package record persists the merged control handed to the simulation so a
// session can be replayed and checked for determinism afterwards.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"lockstep-net/server/internal/control"
)

var bucketControl = []byte("control")

const (
	sumSize = 32

	// writeQueue bounds records waiting for the writer; Record blocks only
	// when it is full.
	writeQueue = 1024
	// maxBatch caps the records committed in one transaction.
	maxBatch = 256
)

var (
	// ErrCorrupt reports a record whose checksum does not match its body.
	ErrCorrupt = errors.New("record: checksum mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("record: store closed")
)

// Store is a bbolt backed log of merged control keyed by tick. Records are
// committed by a background writer that groups every record queued since
// its last commit into one transaction, so the caller never waits on fsync.
type Store struct {
	db     *bbolt.DB
	writes chan write
	done   chan struct{}

	// mu guards closed and sends on writes.
	mu     sync.RWMutex
	closed bool

	errMu    sync.Mutex
	writeErr error
	batches  atomic.Uint64
}

// write is one queued record, or a flush barrier when flushed is set.
type write struct {
	key     []byte
	value   []byte
	flushed chan struct{}
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketControl)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create control bucket: %w", err)
	}
	s := &Store{
		db:     db,
		writes: make(chan write, writeQueue),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Close commits every queued record and closes the database. It returns the
// first write error, if any.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	<-s.done
	return errors.Join(s.err(), s.db.Close())
}

// Record queues ctrl for tick, replacing an earlier record of the same
// tick. A failed commit is reported by the next Record, Flush or Close.
func (s *Store) Record(tick control.Tick, ctrl control.Control) error {
	if s == nil {
		return ErrClosed
	}
	body, err := ctrl.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode control %d: %w", tick, err)
	}
	sum := blake3.Sum256(body)
	value := make([]byte, 0, sumSize+len(body))
	value = append(value, sum[:]...)
	value = append(value, body...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.err(); err != nil {
		return err
	}
	s.writes <- write{key: tickKey(tick), value: value}
	return nil
}

// Flush waits until every record queued before it is committed.
func (s *Store) Flush() error {
	if s == nil {
		return ErrClosed
	}
	flushed := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.writes <- write{flushed: flushed}
	s.mu.RUnlock()

	<-flushed
	return s.err()
}

// Batches returns the number of transactions the writer committed.
func (s *Store) Batches() uint64 {
	return s.batches.Load()
}

func (s *Store) run() {
	defer close(s.done)
	for w := range s.writes {
		batch := append(make([]write, 0, maxBatch), w)
	collect:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.writes:
				if !ok {
					break collect
				}
				batch = append(batch, next)
			default:
				break collect
			}
		}
		s.commit(batch)
	}
}

func (s *Store) commit(batch []write) {
	records := 0
	for _, w := range batch {
		if w.flushed == nil {
			records++
		}
	}
	if records > 0 && s.err() == nil {
		err := s.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(bucketControl)
			for _, w := range batch {
				if w.flushed != nil {
					continue
				}
				if err := bucket.Put(w.key, w.value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.setErr(fmt.Errorf("commit %d records: %w", records, err))
		} else {
			s.batches.Add(1)
		}
	}
	for _, w := range batch {
		if w.flushed != nil {
			close(w.flushed)
		}
	}
}

func (s *Store) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.writeErr
}

func (s *Store) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
}

// view flushes queued records and runs fn in a read transaction.
func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

// Load returns the control recorded for tick.
func (s *Store) Load(tick control.Tick) (control.Control, bool, error) {
	var (
		ctrl  control.Control
		found bool
	)
	err := s.view(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketControl).Get(tickKey(tick))
		if value == nil {
			return nil
		}
		found = true
		return decodeValue(tick, value, &ctrl)
	})
	return ctrl, found, err
}

// Replay calls fn for every record at or after from, in tick order. It stops
// at the first error, including checksum mismatches.
func (s *Store) Replay(from control.Tick, fn func(tick control.Tick, ctrl control.Control) error) error {
	return s.view(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketControl).Cursor()
		for key, value := cursor.Seek(tickKey(from)); key != nil; key, value = cursor.Next() {
			tick := keyTick(key)
			var ctrl control.Control
			if err := decodeValue(tick, value, &ctrl); err != nil {
				return err
			}
			if err := fn(tick, ctrl); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last returns the highest recorded tick.
func (s *Store) Last() (control.Tick, bool, error) {
	tick, found := control.NoTick, false
	err := s.view(func(tx *bbolt.Tx) error {
		key, _ := tx.Bucket(bucketControl).Cursor().Last()
		if key != nil {
			tick, found = keyTick(key), true
		}
		return nil
	})
	return tick, found, err
}

func decodeValue(tick control.Tick, value []byte, ctrl *control.Control) error {
	if len(value) < sumSize {
		return fmt.Errorf("%w: tick %d truncated", ErrCorrupt, tick)
	}
	body := value[sumSize:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], value[:sumSize]) {
		return fmt.Errorf("%w: tick %d", ErrCorrupt, tick)
	}
	if err := ctrl.UnmarshalBinary(body); err != nil {
		return fmt.Errorf("decode control %d: %w", tick, err)
	}
	return nil
}

// tickKey flips the sign bit so negative ticks sort before zero.
func tickKey(tick control.Tick) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(int64(tick))^(1<<63))
	return key
}

func keyTick(key []byte) control.Tick {
	return control.Tick(int64(binary.BigEndian.Uint64(key) ^ (1 << 63)))
}
