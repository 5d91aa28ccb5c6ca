package registry

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type opType string

const (
	opPut    opType = "put"
	opDelete opType = "delete"
)

// CacheEntry records one downloaded weights file.
type CacheEntry struct {
	Source    string    `json:"source"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	FetchedAt time.Time `json:"fetched_at"`
}

type walRecord struct {
	Op    opType      `json:"op"`
	Entry *CacheEntry `json:"entry,omitempty"`
	Key   string      `json:"key"`
}

// Cache is a disk-backed index of downloaded weights, kept as a
// write-ahead log of JSON lines in the cache directory.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry

	dir     string
	walPath string
	walFile *os.File
}

// OpenCache opens (or creates) the cache in dir and replays its log.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	walPath := filepath.Join(dir, "cache.wal")
	f, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	c := &Cache{
		entries: make(map[string]CacheEntry),
		dir:     dir,
		walPath: walPath,
		walFile: f,
	}
	if err := c.replayWAL(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := c.reopenWALAppend(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

// Dir is where fetched files are stored.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) replayWAL() error {
	if _, err := c.walFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}

	scanner := bufio.NewScanner(c.walFile)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("decode wal record: %w", err)
		}

		switch rec.Op {
		case opPut:
			if rec.Entry == nil {
				return fmt.Errorf("wal put for %q has no entry", rec.Key)
			}
			c.entries[rec.Key] = *rec.Entry
		case opDelete:
			delete(c.entries, rec.Key)
		default:
			return fmt.Errorf("unknown wal op: %s", rec.Op)
		}
	}
	return scanner.Err()
}

func (c *Cache) reopenWALAppend() error {
	if err := c.walFile.Close(); err != nil {
		return fmt.Errorf("close wal: %w", err)
	}
	f, err := os.OpenFile(c.walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal append: %w", err)
	}
	c.walFile = f
	return nil
}

// Put records a fetched source.
func (c *Cache) Put(e CacheEntry) error {
	if e.Source == "" {
		return errors.New("empty source")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.appendRecord(walRecord{Op: opPut, Key: e.Source, Entry: &e}); err != nil {
		return err
	}
	c.entries[e.Source] = e
	return nil
}

// Lookup returns the entry for source if its file is still on disk with
// the recorded size. Stale entries are reported as missing.
func (c *Cache) Lookup(source string) (CacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[source]
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	st, err := os.Stat(e.Path)
	if err != nil || st.Size() != e.Size {
		return CacheEntry{}, false
	}
	return e, true
}

// Recorded reports whether source has an entry, stale or not.
func (c *Cache) Recorded(source string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[source]
	return ok
}

// Delete forgets a source. The file itself is left alone.
func (c *Cache) Delete(source string) error {
	if source == "" {
		return errors.New("empty source")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.appendRecord(walRecord{Op: opDelete, Key: source}); err != nil {
		return err
	}
	delete(c.entries, source)
	return nil
}

// Entries returns all entries sorted by source.
func (c *Cache) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Close closes the log.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.walFile != nil {
		if err := c.walFile.Close(); err != nil {
			return err
		}
		c.walFile = nil
	}
	return nil
}

// appendRecord writes and fsyncs one record. Callers hold c.mu.
func (c *Cache) appendRecord(rec walRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	b = append(b, '\n')

	if _, err := c.walFile.Write(b); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	if err := c.walFile.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}
