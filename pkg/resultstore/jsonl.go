package resultstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/fsutil"
)

// maxLineSize bounds a single store line.
const maxLineSize = 1 << 20

var _ Store = (*jsonlStore)(nil)

type jsonlStore struct {
	log      logrus.FieldLogger
	path     string
	lockPath string
	owner    *fsutil.OwnerConfig

	mu      sync.Mutex
	records []Record
	index   map[Key]int
	// loaded describes the file the in-memory records came from, nil when
	// the file did not exist.
	loaded os.FileInfo
}

// NewJSONLStore creates a store backed by a JSON-lines file. The whole file
// is rewritten atomically on every write. Writers on the same path, in this
// or another process, serialize on the "<path>.lock" file and re-read the
// store before rewriting it.
func NewJSONLStore(log logrus.FieldLogger, path string, owner *fsutil.OwnerConfig) Store {
	return &jsonlStore{
		log:      log.WithField("component", "resultstore"),
		path:     path,
		lockPath: path + ".lock",
		owner:    owner,
		index:    make(map[Key]int),
	}
}

// Start loads the file into memory. A missing file is an empty store.
func (s *jsonlStore) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := fsutil.MkdirAll(dir, 0o755, s.owner); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}

	skipped, err := s.load()
	if err != nil {
		return err
	}

	if s.loaded == nil {
		s.log.WithField("path", s.path).Info("Result store is empty")

		return nil
	}

	s.log.WithFields(logrus.Fields{
		"path":    s.path,
		"records": len(s.records),
		"skipped": skipped,
	}).Info("Result store loaded")

	return nil
}

// load replaces the in-memory records with the file contents and returns the
// number of skipped lines. Caller holds mu.
func (s *jsonlStore) load() (int, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.records = nil
		s.index = make(map[Key]int)
		s.loaded = nil

		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("reading result store: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("reading result store: %w", err)
	}

	records, skipped := s.decode(data)
	s.records = nil
	s.index = make(map[Key]int, len(records))

	for _, r := range records {
		s.put(r)
	}

	s.loaded = info

	return skipped, nil
}

// refresh reloads the file when another writer replaced it since the last
// load or write. Caller holds mu.
func (s *jsonlStore) refresh() error {
	info, err := os.Stat(s.path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		if s.loaded == nil {
			return nil
		}
	case err != nil:
		return fmt.Errorf("checking result store: %w", err)
	case s.loaded != nil && os.SameFile(s.loaded, info) &&
		info.Size() == s.loaded.Size() && info.ModTime().Equal(s.loaded.ModTime()):
		return nil
	}

	skipped, err := s.load()
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"records": len(s.records),
		"skipped": skipped,
	}).Debug("Result store changed on disk, reloaded")

	return nil
}

// lock takes the cross-process write lock. Caller holds mu.
func (s *jsonlStore) lock() (func(), error) {
	l, err := fsutil.Lock(s.lockPath, s.owner)
	if err != nil {
		return nil, fmt.Errorf("locking result store: %w", err)
	}

	return func() {
		if err := l.Unlock(); err != nil {
			s.log.WithError(err).Warn("Failed to release result store lock")
		}
	}, nil
}

// decode parses store lines. Malformed lines are skipped. Lines without a
// pass index get the next free index of their pair, in file order.
func (s *jsonlStore) decode(data []byte) ([]Record, int) {
	var (
		records []Record
		skipped int
		used    = make(map[Key]struct{})
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			s.log.WithError(err).WithField("line", line).Warn("Skipping malformed store line")

			skipped++

			continue
		}

		if r.PassIndex == 0 {
			next := Key{Model: r.Model, TestName: r.TestName, PassIndex: 1}
			for {
				if _, taken := used[next]; !taken {
					break
				}

				next.PassIndex++
			}

			r.PassIndex = next.PassIndex
		}

		if err := r.Validate(); err != nil {
			s.log.WithError(err).WithField("line", line).Warn("Skipping invalid store line")

			skipped++

			continue
		}

		used[r.Key()] = struct{}{}
		records = append(records, r)
	}

	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Warn("Stopped reading result store early")
	}

	return records, skipped
}

// Stop is a no-op; every write is already on disk.
func (s *jsonlStore) Stop() error {
	return nil
}

// put replaces r in its existing slot or appends it. Caller holds mu.
func (s *jsonlStore) put(r Record) {
	if i, ok := s.index[r.Key()]; ok {
		s.records[i] = r

		return
	}

	s.index[r.Key()] = len(s.records)
	s.records = append(s.records, r)
}

// Append stores r and rewrites the file.
func (s *jsonlStore) Append(ctx context.Context, r *Record) error {
	return s.AppendAll(ctx, []Record{*r})
}

// AppendAll stores records and rewrites the file once. The file is re-read
// under the write lock first, so records of other writers are kept. On a
// write failure the in-memory state is rolled back.
func (s *jsonlStore) AppendAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := range records {
		if err := records[i].Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}

	defer unlock()

	if _, err := s.load(); err != nil {
		return err
	}

	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)

	for _, r := range records {
		s.put(r)
	}

	if err := s.flush(); err != nil {
		s.records = snapshot
		s.reindex()

		return err
	}

	return nil
}

func (s *jsonlStore) reindex() {
	s.index = make(map[Key]int, len(s.records))
	for i := range s.records {
		s.index[s.records[i].Key()] = i
	}
}

// flush writes every record to disk atomically. Caller holds mu.
func (s *jsonlStore) flush() error {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i := range s.records {
		if err := enc.Encode(s.records[i]); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
	}

	if err := fsutil.WriteFileAtomic(s.path, buf.Bytes(), 0o644, s.owner); err != nil {
		return fmt.Errorf("writing result store: %w", err)
	}

	s.stamp()

	return nil
}

// stamp records the file just written as the loaded one. Caller holds mu.
func (s *jsonlStore) stamp() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.loaded = nil

		return
	}

	s.loaded = info
}

// Read returns a copy of the pair's records in insertion order.
func (s *jsonlStore) Read(ctx context.Context, model, testName string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(); err != nil {
		return nil, err
	}

	var out []Record

	for _, r := range s.records {
		if r.Model == model && r.TestName == testName {
			out = append(out, r)
		}
	}

	return out, nil
}

// ReadOne returns the record for a key, or nil.
func (s *jsonlStore) ReadOne(ctx context.Context, model, testName string, passIndex int) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(); err != nil {
		return nil, err
	}

	i, ok := s.index[Key{Model: model, TestName: testName, PassIndex: passIndex}]
	if !ok {
		return nil, nil
	}

	r := s.records[i]

	return &r, nil
}

// All returns a copy of every record.
func (s *jsonlStore) All(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(); err != nil {
		return nil, err
	}

	out := make([]Record, len(s.records))
	copy(out, s.records)

	return out, nil
}

// Reset truncates the store to an empty file.
func (s *jsonlStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}

	defer unlock()

	if err := fsutil.WriteFileAtomic(s.path, nil, 0o644, s.owner); err != nil {
		return fmt.Errorf("resetting result store: %w", err)
	}

	s.records = nil
	s.index = make(map[Key]int)
	s.stamp()

	s.log.WithField("path", s.path).Info("Result store reset")

	return nil
}
