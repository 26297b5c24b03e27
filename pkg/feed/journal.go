package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cpunion/feedsync/pkg/merge"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/types"
)

// Record is one journal line: the outcome of a generation or a user intent.
type Record struct {
	Time      time.Time              `json:"time"`
	Surface   types.Surface          `json:"surface"`
	Operation orchestrator.Operation `json:"operation,omitempty"`
	Intent    string                 `json:"intent,omitempty"` // post, reply
	Cause     types.TriggerCause     `json:"cause,omitempty"`
	Event     string                 `json:"event,omitempty"`
	Result    string                 `json:"result"` // ok, error
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ns,omitempty"`
	Report    *merge.Report          `json:"report,omitempty"`
}

// JournalIndex is the manifest of a journal's JSONL shards.
type JournalIndex struct {
	Version            int       `json:"version"`
	UpdatedAt          time.Time `json:"updated_at"`
	MaxRecordsPerShard int       `json:"max_records_per_shard,omitempty"`

	// Shards are ordered oldest -> newest (append-only).
	Shards []Shard `json:"shards"`

	TotalRecords int `json:"total_records,omitempty"`
}

type Shard struct {
	Seq     int    `json:"seq"`
	File    string `json:"file"` // relative to the journal directory, e.g. "journal-000001.jsonl"
	Records int    `json:"records"`
}

func LoadJournalIndex(path string) (*JournalIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx := &JournalIndex{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if idx.Version == 0 {
		idx.Version = 1
	}
	return idx, nil
}

func saveIndexAtomic(path string, idx *JournalIndex) error {
	idx.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Journal appends records to size-bounded JSONL shards.
type Journal struct {
	mu sync.Mutex

	dir         string
	indexPath   string
	maxPerShard int

	idx *JournalIndex

	curFile    *os.File
	curWriter  *bufio.Writer
	curSeq     int
	curRecords int
}

type JournalConfig struct {
	Dir                string
	MaxRecordsPerShard int
}

// OpenJournal opens or creates the journal in cfg.Dir and resumes on its newest shard.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, errors.New("journal dir is required")
	}
	if cfg.MaxRecordsPerShard <= 0 {
		cfg.MaxRecordsPerShard = 200
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	j := &Journal{
		dir:         cfg.Dir,
		indexPath:   filepath.Join(cfg.Dir, "index.json"),
		maxPerShard: cfg.MaxRecordsPerShard,
	}
	idx, err := LoadJournalIndex(j.indexPath)
	switch {
	case err == nil:
		j.idx = idx
	case errors.Is(err, os.ErrNotExist):
		// Shards without an index are re-counted from disk.
		j.idx = rebuildIndex(cfg.Dir, cfg.MaxRecordsPerShard)
	default:
		return nil, err
	}

	if n := len(j.idx.Shards); n > 0 {
		last := j.idx.Shards[n-1]
		if err := j.open(last.Seq, last.Records); err != nil {
			return nil, err
		}
		return j, nil
	}
	if err := j.rotateTo(1); err != nil {
		return nil, err
	}
	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

func (j *Journal) open(seq, records int) error {
	f, err := os.OpenFile(filepath.Join(j.dir, shardFileName(seq)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.curFile = f
	j.curWriter = bufio.NewWriter(f)
	j.curSeq = seq
	j.curRecords = records
	return nil
}

func (j *Journal) rotateTo(seq int) error {
	if j.curWriter != nil {
		_ = j.curWriter.Flush()
	}
	if j.curFile != nil {
		_ = j.curFile.Close()
	}
	if err := j.open(seq, 0); err != nil {
		return err
	}
	j.idx.Shards = append(j.idx.Shards, Shard{Seq: seq, File: shardFileName(seq)})
	return saveIndexAtomic(j.indexPath, j.idx)
}

// Append writes one record.
func (j *Journal) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.curWriter == nil {
		return errors.New("journal closed")
	}
	// Rotate only when about to write into a full shard, so no empty shard is indexed.
	if j.curRecords >= j.maxPerShard {
		if err := j.rotateTo(j.curSeq + 1); err != nil {
			return err
		}
	}
	if _, err := j.curWriter.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := j.curWriter.Flush(); err != nil {
		return err
	}

	j.curRecords++
	j.idx.TotalRecords++
	j.idx.Shards[len(j.idx.Shards)-1].Records = j.curRecords
	return saveIndexAtomic(j.indexPath, j.idx)
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	j.mu.Lock()
	shards := append([]Shard(nil), j.idx.Shards...)
	j.mu.Unlock()

	var out []Record
	for i := len(shards) - 1; i >= 0; i-- {
		recs, err := readShard(filepath.Join(j.dir, shards[i].File))
		if err != nil {
			return nil, err
		}
		for k := len(recs) - 1; k >= 0; k-- {
			out = append(out, recs[k])
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	if j.curWriter != nil {
		err = j.curWriter.Flush()
		j.curWriter = nil
	}
	if j.curFile != nil {
		if closeErr := j.curFile.Close(); err == nil {
			err = closeErr
		}
		j.curFile = nil
	}
	return err
}

func readShard(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

func rebuildIndex(dir string, maxPerShard int) *JournalIndex {
	idx := &JournalIndex{Version: 1, MaxRecordsPerShard: maxPerShard}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return idx
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq := parseShardSeq(e.Name())
		if seq <= 0 {
			continue
		}
		n := countLines(filepath.Join(dir, e.Name()))
		idx.Shards = append(idx.Shards, Shard{Seq: seq, File: e.Name(), Records: n})
		idx.TotalRecords += n
	}
	sort.Slice(idx.Shards, func(i, k int) bool { return idx.Shards[i].Seq < idx.Shards[k].Seq })
	return idx
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	n := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n
}

func parseShardSeq(name string) int {
	// journal-000123.jsonl
	if !strings.HasPrefix(name, "journal-") || !strings.HasSuffix(name, ".jsonl") {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "journal-"), ".jsonl"))
	if err != nil {
		return 0
	}
	return n
}

func shardFileName(seq int) string {
	return fmt.Sprintf("journal-%06d.jsonl", seq)
}
