// Package topicstore implements the rolling data+index file pair backing a
// single topic: append semantics for producers, offset-tracked reads and
// zero-copy fan-out for consumers, and generation rollover.
//
// The file pair couples an append-only data stream with a fixed-width
// offset index: one little-endian uint64 per record, each naming the byte
// offset in the data file just past the end of that record.
package topicstore

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gramsey/redfoam/internal/observability"
	"github.com/gramsey/redfoam/internal/redfoamerr"
	"github.com/gramsey/redfoam/internal/wire"
)

// Role selects which file modes a Store opens its current generation with.
type Role int

const (
	// RoleProducer opens the current generation's data and index files for
	// appending.
	RoleProducer Role = iota
	// RoleConsumer opens the current generation's data and index files for
	// reading only, and is the role that registers followers.
	RoleConsumer
)

// Config describes one topic's on-disk location and rollover policy.
type Config struct {
	TopicID     uint32 `yaml:"topic_id"`
	TopicName   string `yaml:"topic_name"`
	Folder      string `yaml:"folder"`
	Replication uint8  `yaml:"replication"` // unused in core
	FileMask    uint8  `yaml:"file_mask"`
}

// recordsPerGeneration returns 2^(file_mask*4) records per generation. A
// file_mask of 0 means a single, never-rolling pair.
func recordsPerGeneration(fileMask uint8) uint64 {
	if fileMask == 0 {
		return 0
	}
	return uint64(1) << (uint64(fileMask) * 4)
}

// Store is one topic's on-disk state: the current-generation data+index
// file pair, read cursors for consumer-side fan-out, and the follower set.
type Store struct {
	cfg    Config
	role   Role
	logger *observability.CoreLogger

	mu sync.Mutex

	generation uint64 // current generation suffix
	dir        string

	dataFile  *os.File // append-only for producers, read-only for consumers
	indexFile *os.File

	dataFileName  string
	indexFileName string

	nextIndex uint64 // number of committed records = index file size / 8

	// readCursorData/readCursorIndex are the last byte offsets already
	// transmitted to followers of this topic (consumer role only).
	readCursorData  int64
	readCursorIndex int64

	followers map[string]net.Conn

	// currentProducer is the session id mid-way through streaming a
	// record's payload for this topic, or "" if none. Spec.md §5 "Single
	// current producer per topic".
	currentProducer string
}

// Open scans folder/name/ for the largest-suffix "dG"/"iG" pair and opens
// it in the mode required by role. It is an error for one of the pair to
// be missing.
func Open(cfg Config, role Role, logger *observability.CoreLogger) (*Store, error) {
	dir := filepath.Join(cfg.Folder, cfg.TopicName)

	gen, hasAny, err := latestGeneration(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", redfoamerr.ErrCantReadDir, dir, err)
	}
	if !hasAny {
		gen = 0
	}

	s := &Store{
		cfg:       cfg,
		role:      role,
		logger:    logger,
		dir:       dir,
		followers: make(map[string]net.Conn),
	}

	if err := s.openGeneration(gen, !hasAny); err != nil {
		return nil, err
	}
	return s, nil
}

// latestGeneration scans dir for "d"/"i" + 16 hex digit entries and returns
// the largest suffix found. hasAny is false if the directory contains no
// such pair yet (a brand-new topic).
func latestGeneration(dir string) (gen uint64, hasAny bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}

	seen := make(map[uint64]int) // suffix -> count of {d,i} seen
	for _, e := range entries {
		name := e.Name()
		if len(name) != 17 || (name[0] != 'd' && name[0] != 'i') {
			continue
		}
		suffix, perr := strconv.ParseUint(name[1:], 16, 64)
		if perr != nil {
			return 0, false, fmt.Errorf("%w: %s", redfoamerr.ErrBadOffset, name)
		}
		seen[suffix]++
	}

	var suffixes []uint64
	for suffix := range seen {
		suffixes = append(suffixes, suffix)
	}
	if len(suffixes) == 0 {
		return 0, false, nil
	}
	sort.Slice(suffixes, func(i, j int) bool { return suffixes[i] < suffixes[j] })
	max := suffixes[len(suffixes)-1]
	if seen[max] != 2 {
		return 0, false, fmt.Errorf("%w: incomplete generation %016x in %s", redfoamerr.ErrBadFileName, max, dir)
	}
	return max, true, nil
}

func generationNames(dir string, gen uint64) (dataPath, indexPath string) {
	suffix := fmt.Sprintf("%016x", gen)
	return filepath.Join(dir, "d"+suffix), filepath.Join(dir, "i"+suffix)
}

// openGeneration opens the data+index pair for the given generation,
// creating them if create is true (a brand-new topic).
func (s *Store) openGeneration(gen uint64, create bool) error {
	dataPath, indexPath := generationNames(s.dir, gen)

	var flags int
	switch s.role {
	case RoleProducer:
		flags = os.O_APPEND | os.O_WRONLY
		if create {
			flags |= os.O_CREATE
			if err := os.MkdirAll(s.dir, 0o755); err != nil {
				return fmt.Errorf("%w: %v", redfoamerr.ErrCantOpenFile, err)
			}
		}
	case RoleConsumer:
		flags = os.O_RDONLY
		if create {
			flags = os.O_RDWR | os.O_CREATE
			if err := os.MkdirAll(s.dir, 0o755); err != nil {
				return fmt.Errorf("%w: %v", redfoamerr.ErrCantOpenFile, err)
			}
		}
	}

	dataFile, err := os.OpenFile(dataPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", redfoamerr.ErrCantOpenFile, dataPath, err)
	}
	indexFile, err := os.OpenFile(indexPath, flags, 0o644)
	if err != nil {
		dataFile.Close()
		return fmt.Errorf("%w: %s: %v", redfoamerr.ErrCantOpenFile, indexPath, err)
	}

	indexInfo, err := indexFile.Stat()
	if err != nil {
		dataFile.Close()
		indexFile.Close()
		return fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}
	dataInfo, err := dataFile.Stat()
	if err != nil {
		dataFile.Close()
		indexFile.Close()
		return fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}

	if s.dataFile != nil {
		s.dataFile.Close()
		s.indexFile.Close()
	}

	s.generation = gen
	s.dataFile = dataFile
	s.indexFile = indexFile
	s.dataFileName = dataPath
	s.indexFileName = indexPath
	s.nextIndex = uint64(indexInfo.Size()) / wire.IndexEntrySize

	if s.role == RoleConsumer {
		// Consumers begin "at tail": future fan-out only sends bytes
		// appended after this point.
		s.readCursorData = dataInfo.Size()
		s.readCursorIndex = indexInfo.Size()
	}

	return nil
}

// Append writes payload to the data file. Producer role only.
func (s *Store) Append(payload []byte) (int, error) {
	n, err := s.dataFile.Write(payload)
	if err != nil {
		return n, fmt.Errorf("%w: %v", redfoamerr.ErrCantWriteFile, err)
	}
	return n, nil
}

// EndRecord commits the index entry for the record just appended: the
// current data-file end offset is written as an 8-byte little-endian
// integer to the index file. It returns the assigned record index
// (0-based) and rolls to a new generation if the configured file_mask
// boundary was just crossed.
func (s *Store) EndRecord() (assignedIndex uint64, err error) {
	info, err := s.dataFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}

	var entry [wire.IndexEntrySize]byte
	wire.PutUint64(entry[:], uint64(info.Size()))
	if _, err := s.indexFile.Write(entry[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", redfoamerr.ErrCantWriteFile, err)
	}

	assignedIndex = s.nextIndex
	s.nextIndex++

	if perGen := recordsPerGeneration(s.cfg.FileMask); perGen > 0 && s.nextIndex%perGen == 0 {
		if err := s.roll(); err != nil {
			return assignedIndex, err
		}
	}
	return assignedIndex, nil
}

// roll creates a new generation whose suffix is one past the current one.
func (s *Store) roll() error {
	return s.openGeneration(s.generation+1, true)
}

// ReadLatestIndex reads up to len(buf) bytes from the index file starting
// at readCursorIndex, rounded down to a multiple of 8, and advances the
// cursor. It returns the offset the read started at and the number of
// bytes returned; repeated calls never re-surface the same bytes.
func (s *Store) ReadLatestIndex(buf []byte) (offsetBefore int64, n int, err error) {
	return s.readLatest(s.indexFile, &s.readCursorIndex, buf, wire.IndexEntrySize)
}

// ReadLatestData reads up to len(buf) bytes from the data file starting at
// readCursorData, and advances the cursor.
func (s *Store) ReadLatestData(buf []byte) (offsetBefore int64, n int, err error) {
	return s.readLatest(s.dataFile, &s.readCursorData, buf, 1)
}

func (s *Store) readLatest(f *os.File, cursor *int64, buf []byte, round int) (int64, int, error) {
	offsetBefore := *cursor
	n, err := f.ReadAt(buf, offsetBefore)
	if err != nil && err != io.EOF {
		return offsetBefore, 0, fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}
	n -= n % round
	*cursor += int64(n)
	return offsetBefore, n, nil
}

// Follow registers sessionID as a follower of this topic and returns the
// snapshot (index_file_end, data_file_end) at call time: the offsets the
// client uses to compute absolute positions of future records.
func (s *Store) Follow(sessionID string, conn net.Conn) (indexOffset, dataOffset uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexInfo, err := s.indexFile.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}
	dataInfo, err := s.dataFile.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", redfoamerr.ErrCantReadFile, err)
	}

	s.followers[sessionID] = conn
	return uint64(indexInfo.Size()), uint64(dataInfo.Size()), nil
}

// Unfollow removes sessionID from the follower set, e.g. on disconnect.
func (s *Store) Unfollow(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.followers, sessionID)
}

// TryAcquireProducer claims this topic for sessionID's in-progress record,
// rejecting the claim if a different session is already mid-record.
func (s *Store) TryAcquireProducer(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentProducer != "" && s.currentProducer != sessionID {
		return false
	}
	s.currentProducer = sessionID
	return true
}

// ReleaseProducer clears the current-producer claim, called once a record
// has been fully committed (EndRecord succeeded).
func (s *Store) ReleaseProducer(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentProducer == sessionID {
		s.currentProducer = ""
	}
}

// SwitchFile reopens the current generation's file named by a filesystem
// create event (name is one of "d<hex16>" or "i<hex16>"), so future sends
// dispatch from the new generation. Consumer role only.
func (s *Store) SwitchFile(name string) error {
	if len(name) != 17 {
		return fmt.Errorf("%w: %s", redfoamerr.ErrBadFileName, name)
	}
	gen, err := strconv.ParseUint(name[1:], 16, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", redfoamerr.ErrBadOffset, name)
	}
	if gen <= s.generation {
		// Stale or duplicate create event for a generation we already have.
		return nil
	}
	return s.openGeneration(gen, false)
}

// CurrentDataFileName returns the current generation's data file path.
func (s *Store) CurrentDataFileName() string { return s.dataFileName }

// CurrentIndexFileName returns the current generation's index file path.
func (s *Store) CurrentIndexFileName() string { return s.indexFileName }

// Dir returns the topic's directory.
func (s *Store) Dir() string { return s.dir }

// TopicID returns the topic's numeric id.
func (s *Store) TopicID() uint32 { return s.cfg.TopicID }
