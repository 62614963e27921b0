// Package cache persists historical market data on local disk as
// parquet files. Each file covers a contiguous time range for one
// instrument and data kind; overlapping writes are merged so a range
// is stored exactly once.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chartflow/logger"
	"chartflow/models"
)

// Range is a closed time interval in milliseconds.
type Range struct {
	From int64
	To   int64
}

func (r Range) overlaps(other Range) bool {
	return r.From <= other.To && other.From <= r.To
}

// adjacent treats ranges within one millisecond as mergeable.
func (r Range) adjacent(other Range) bool {
	return r.To+1 == other.From || other.To+1 == r.From
}

type entry struct {
	rng      Range
	path     string
	size     int64
	lastUsed time.Time
}

// Store is the on-disk cache. Safe for concurrent use.
type Store struct {
	dir      string
	maxBytes int64
	log      *logger.Log

	mu    sync.Mutex
	index map[string][]*entry
	total int64
}

// Open initialises the store under dir, rebuilding the range index
// from the files already present.
func Open(dir string, maxSizeMB int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		log:      logger.GetLogger(),
		index:    make(map[string][]*entry),
	}

	if err := s.scan(); err != nil {
		return nil, err
	}

	s.log.WithComponent("cache").WithFields(logger.Fields{
		"dir":         dir,
		"max_size_mb": maxSizeMB,
		"keys":        len(s.index),
		"bytes":       s.total,
	}).Info("cache store opened")

	return s, nil
}

func keyFor(inst models.Instrument, kind string) string {
	return filepath.Join(string(inst.Exchange), string(inst.Market), inst.Symbol, kind)
}

func (s *Store) scan() error {
	return filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return err
		}

		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		key := filepath.Dir(rel)

		var from, to int64
		base := strings.TrimSuffix(filepath.Base(path), ".parquet")
		if _, err := fmt.Sscanf(base, "%d-%d", &from, &to); err != nil {
			s.log.WithComponent("cache").WithField("file", path).Warn("unparseable cache file name; skipping")
			return nil
		}

		s.index[key] = append(s.index[key], &entry{
			rng:      Range{From: from, To: to},
			path:     path,
			size:     info.Size(),
			lastUsed: info.ModTime(),
		})
		s.total += info.Size()
		return nil
	})
}

func (s *Store) filePath(key string, rng Range) string {
	return filepath.Join(s.dir, key, fmt.Sprintf("%d-%d.parquet", rng.From, rng.To))
}

// PutTrades stores trades covering [from, to]. Entries overlapping or
// adjacent to the new range are merged into a single file, with trades
// deduplicated by id, so repeated puts are idempotent.
func (s *Store) PutTrades(inst models.Instrument, from, to int64, trades []models.Trade) error {
	if to < from {
		return fmt.Errorf("invalid range %d..%d", from, to)
	}
	key := keyFor(inst, string(models.DataKindTrades))
	newRange := Range{From: from, To: to}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]models.Trade, 0, len(trades))
	merged = append(merged, trades...)

	keep := s.index[key][:0]
	for _, e := range s.index[key] {
		if e.rng.overlaps(newRange) || e.rng.adjacent(newRange) {
			existing, err := readTradeFile(e.path, inst)
			if err != nil {
				return fmt.Errorf("read cache entry for merge: %w", err)
			}
			merged = append(merged, existing...)
			if e.rng.From < newRange.From {
				newRange.From = e.rng.From
			}
			if e.rng.To > newRange.To {
				newRange.To = e.rng.To
			}
			s.removeEntry(e)
			continue
		}
		keep = append(keep, e)
	}
	s.index[key] = keep

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Time != merged[j].Time {
			return merged[i].Time < merged[j].Time
		}
		return merged[i].ID < merged[j].ID
	})
	merged = dedupeByID(merged)

	path := s.filePath(key, newRange)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache subdir: %w", err)
	}
	if err := writeTradeFile(path, inst, merged); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	s.index[key] = append(s.index[key], &entry{
		rng:      newRange,
		path:     path,
		size:     info.Size(),
		lastUsed: time.Now(),
	})
	s.total += info.Size()

	s.evictLocked()
	return nil
}

func dedupeByID(sorted []models.Trade) []models.Trade {
	out := sorted[:0]
	var lastID int64 = -1
	for _, t := range sorted {
		if t.ID == lastID && t.ID != 0 {
			continue
		}
		out = append(out, t)
		lastID = t.ID
	}
	return out
}

// GetTrades returns cached trades within [from, to] and the subranges
// of the request that the cache actually covers.
func (s *Store) GetTrades(inst models.Instrument, from, to int64) ([]models.Trade, []Range, error) {
	key := keyFor(inst, string(models.DataKindTrades))
	request := Range{From: from, To: to}

	s.mu.Lock()
	defer s.mu.Unlock()

	var trades []models.Trade
	var covered []Range
	for _, e := range s.index[key] {
		if !e.rng.overlaps(request) {
			continue
		}
		batch, err := readTradeFile(e.path, inst)
		if err != nil {
			return nil, nil, fmt.Errorf("read cache entry: %w", err)
		}
		for _, t := range batch {
			if t.Time >= from && t.Time <= to {
				trades = append(trades, t)
			}
		}
		e.lastUsed = time.Now()
		covered = append(covered, intersect(e.rng, request))
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].Time < trades[j].Time })
	sort.Slice(covered, func(i, j int) bool { return covered[i].From < covered[j].From })
	return trades, mergeRanges(covered), nil
}

// PutKlines stores klines for one timeframe, merging overlapping
// entries the same way trades are merged.
func (s *Store) PutKlines(inst models.Instrument, tf models.Timeframe, klines []models.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	key := keyFor(inst, fmt.Sprintf("%s_%s", models.DataKindKlines, tf))
	newRange := Range{From: klines[0].Time, To: klines[len(klines)-1].Time}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]models.Kline, 0, len(klines))
	merged = append(merged, klines...)

	keep := s.index[key][:0]
	for _, e := range s.index[key] {
		if e.rng.overlaps(newRange) || e.rng.adjacent(newRange) {
			existing, err := readKlineFile(e.path)
			if err != nil {
				return fmt.Errorf("read cache entry for merge: %w", err)
			}
			merged = append(merged, existing...)
			if e.rng.From < newRange.From {
				newRange.From = e.rng.From
			}
			if e.rng.To > newRange.To {
				newRange.To = e.rng.To
			}
			s.removeEntry(e)
			continue
		}
		keep = append(keep, e)
	}
	s.index[key] = keep

	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	deduped := merged[:0]
	var lastTime int64 = -1
	for _, k := range merged {
		if k.Time == lastTime {
			deduped[len(deduped)-1] = k
			continue
		}
		deduped = append(deduped, k)
		lastTime = k.Time
	}

	path := s.filePath(key, newRange)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache subdir: %w", err)
	}
	if err := writeKlineFile(path, deduped); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	s.index[key] = append(s.index[key], &entry{
		rng:      newRange,
		path:     path,
		size:     info.Size(),
		lastUsed: time.Now(),
	})
	s.total += info.Size()

	s.evictLocked()
	return nil
}

// GetKlines returns cached klines for a timeframe within [from, to].
func (s *Store) GetKlines(inst models.Instrument, tf models.Timeframe, from, to int64) ([]models.Kline, error) {
	key := keyFor(inst, fmt.Sprintf("%s_%s", models.DataKindKlines, tf))
	request := Range{From: from, To: to}

	s.mu.Lock()
	defer s.mu.Unlock()

	var klines []models.Kline
	for _, e := range s.index[key] {
		if !e.rng.overlaps(request) {
			continue
		}
		batch, err := readKlineFile(e.path)
		if err != nil {
			return nil, fmt.Errorf("read cache entry: %w", err)
		}
		for _, k := range batch {
			if k.Time >= from && k.Time <= to {
				klines = append(klines, k)
			}
		}
		e.lastUsed = time.Now()
	}

	sort.Slice(klines, func(i, j int) bool { return klines[i].Time < klines[j].Time })
	return klines, nil
}

// PutOpenInterest stores open-interest points, merging overlapping
// entries the same way klines are merged.
func (s *Store) PutOpenInterest(inst models.Instrument, points []models.OpenInterestPoint) error {
	if len(points) == 0 {
		return nil
	}
	key := keyFor(inst, string(models.DataKindOpenInterest))
	newRange := Range{From: points[0].Time, To: points[len(points)-1].Time}

	s.mu.Lock()
	defer s.mu.Unlock()

	var merged []models.OpenInterestPoint
	keep := s.index[key][:0]
	for _, e := range s.index[key] {
		if e.rng.overlaps(newRange) || e.rng.adjacent(newRange) {
			existing, err := readOpenInterestFile(e.path)
			if err != nil {
				return fmt.Errorf("read cache entry for merge: %w", err)
			}
			merged = append(merged, existing...)
			if e.rng.From < newRange.From {
				newRange.From = e.rng.From
			}
			if e.rng.To > newRange.To {
				newRange.To = e.rng.To
			}
			s.removeEntry(e)
			continue
		}
		keep = append(keep, e)
	}
	s.index[key] = keep

	// New points go last so a same-time observation replaces the
	// stored one.
	merged = append(merged, points...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	deduped := merged[:0]
	var lastTime int64 = -1
	for _, p := range merged {
		if p.Time == lastTime {
			deduped[len(deduped)-1] = p
			continue
		}
		deduped = append(deduped, p)
		lastTime = p.Time
	}

	path := s.filePath(key, newRange)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache subdir: %w", err)
	}
	if err := writeOpenInterestFile(path, deduped); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	s.index[key] = append(s.index[key], &entry{
		rng:      newRange,
		path:     path,
		size:     info.Size(),
		lastUsed: time.Now(),
	})
	s.total += info.Size()

	s.evictLocked()
	return nil
}

// GetOpenInterest returns cached open-interest points within [from, to].
func (s *Store) GetOpenInterest(inst models.Instrument, from, to int64) ([]models.OpenInterestPoint, error) {
	key := keyFor(inst, string(models.DataKindOpenInterest))
	request := Range{From: from, To: to}

	s.mu.Lock()
	defer s.mu.Unlock()

	var points []models.OpenInterestPoint
	for _, e := range s.index[key] {
		if !e.rng.overlaps(request) {
			continue
		}
		batch, err := readOpenInterestFile(e.path)
		if err != nil {
			return nil, fmt.Errorf("read cache entry: %w", err)
		}
		for _, p := range batch {
			if p.Time >= from && p.Time <= to {
				points = append(points, p)
			}
		}
		e.lastUsed = time.Now()
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Time < points[j].Time })
	return points, nil
}

func (s *Store) removeEntry(e *entry) {
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		s.log.WithComponent("cache").WithError(err).WithField("file", e.path).Warn("failed to remove cache file")
	}
	s.total -= e.size
}

// evictLocked drops least recently used entries until the store fits
// its size budget. Caller holds s.mu.
func (s *Store) evictLocked() {
	if s.maxBytes <= 0 || s.total <= s.maxBytes {
		return
	}

	type keyed struct {
		key string
		e   *entry
	}
	var all []keyed
	for key, entries := range s.index {
		for _, e := range entries {
			all = append(all, keyed{key, e})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].e.lastUsed.Before(all[j].e.lastUsed) })

	for _, k := range all {
		if s.total <= s.maxBytes {
			break
		}
		s.removeEntry(k.e)
		entries := s.index[k.key]
		for i, e := range entries {
			if e == k.e {
				s.index[k.key] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		s.log.WithComponent("cache").WithFields(logger.Fields{
			"file": k.e.path,
		}).Debug("evicted cache entry")
	}
}

// SizeBytes returns the current total size of stored files.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func intersect(a, b Range) Range {
	out := a
	if b.From > out.From {
		out.From = b.From
	}
	if b.To < out.To {
		out.To = b.To
	}
	return out
}

// mergeRanges coalesces sorted ranges that touch or overlap.
func mergeRanges(sorted []Range) []Range {
	if len(sorted) == 0 {
		return nil
	}
	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.From <= last.To+1 {
			if r.To > last.To {
				last.To = r.To
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Uncovered returns the subranges of [from, to] not covered by the
// given covered ranges. Used to decide what still needs fetching.
func Uncovered(from, to int64, covered []Range) []Range {
	var holes []Range
	cursor := from
	for _, r := range covered {
		if r.From > cursor {
			holes = append(holes, Range{From: cursor, To: r.From - 1})
		}
		if r.To+1 > cursor {
			cursor = r.To + 1
		}
	}
	if cursor <= to {
		holes = append(holes, Range{From: cursor, To: to})
	}
	return holes
}
