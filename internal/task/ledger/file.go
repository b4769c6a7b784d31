package ledger

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	logx "jobweave/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.snapshot.json (periodic snapshot, JSON array in seq order)
//   - <prefix>.runs.journal.jsonl (append-only journal, one full record per write)
//
// Every insert and update is journaled before it becomes visible. The journal
// is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create ledger dir")
	}

	snapPath := prefix + ".runs.snapshot.json"
	journalPath := prefix + ".runs.journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "load snapshot %s", snapPath)
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "replay journal %s", journalPath)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	fs := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}
	mem.persist = fs.append

	log.Debug("file ledger opened", logx.String("path", prefix), logx.Int("runs", len(mem.order)), logx.Int("journal", replayed))
	return fs, nil
}

// append runs under memStore.mu.
func (s *fileStore) append(r Run) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// The record being written is not in memory yet, so it stays in the
		// journal: compact first, then re-append it.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
			return nil
		}
		if _, err := s.journal.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.memStore.snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.memStore.mu.Lock()
	defer s.memStore.mu.Unlock()
	s.memStore.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var runs []Run
	if err := json.NewDecoder(f).Decode(&runs); err != nil {
		return err
	}
	for _, r := range runs {
		mem.load(r)
	}
	return nil
}

func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		if r.ID == "" {
			continue
		}
		mem.load(r)
		n++
	}
	return n, sc.Err()
}
