package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"

	"hlogstore/logging"
)

// SegmentSuffix is the extension used for on-disk segment files, mirroring
// the naming spec §6 prescribes: log/segment-<N>.bin.
const SegmentSuffix = ".bin"
const segmentPrefix = "segment-"

// FileDevice backs the hybrid log with a directory of fixed-size segment
// files. It is grounded on the teacher's single-active-file DataFile,
// generalized to many segments addressed by a global logical offset, and on
// go-broker's DiskHandler for the mmap-backed read path.
type FileDevice struct {
	dir         string
	segmentSize int64
	logger      *logging.Logger

	mu       sync.Mutex
	segments map[int64]*segmentFile
}

type segmentFile struct {
	id int64
	mu sync.Mutex

	f          *os.File
	mmapReader *mmap.ReaderAt // lazily (re)opened after the last write to this segment
}

// Open creates or opens a directory of segments rooted at dir, each
// segmentSize bytes of logical address space.
func Open(dir string, segmentSize int64, logger *logging.Logger) (*FileDevice, error) {
	if segmentSize <= 0 {
		return nil, fmt.Errorf("device: segment size must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FileDevice{
		dir:         dir,
		segmentSize: segmentSize,
		logger:      logger,
		segments:    make(map[int64]*segmentFile),
	}, nil
}

func (d *FileDevice) segmentPath(id int64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, SegmentSuffix))
}

// ExistingSegmentIDs lists the segment ids already present on disk, sorted
// ascending. Recovery does not call it.
func ExistingSegmentIDs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, SegmentSuffix) {
			continue
		}
		numPart := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), SegmentSuffix)
		id, err := strconv.ParseInt(numPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("device: corrupt segment name %q: %w", name, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *FileDevice) segmentFor(id int64) (*segmentFile, error) {
	d.mu.Lock()
	sf, ok := d.segments[id]
	if !ok {
		sf = &segmentFile{id: id}
		d.segments[id] = sf
	}
	d.mu.Unlock()

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.f == nil {
		f, err := os.OpenFile(d.segmentPath(id), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		if err := preallocate(f, d.segmentSize); err != nil {
			d.logger.Warnf("device: preallocate segment %d failed: %v", id, err)
		}
		sf.f = f
	}
	return sf, nil
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(ctx context.Context, addr uint64, p []byte) error {
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := int64(addr) / d.segmentSize
		off := int64(addr) % d.segmentSize
		n := d.segmentSize - off
		if n > int64(len(p)) {
			n = int64(len(p))
		}

		sf, err := d.segmentFor(id)
		if err != nil {
			return err
		}
		sf.mu.Lock()
		_, err = sf.f.WriteAt(p[:n], off)
		// Any cached mmap reader is now stale.
		if sf.mmapReader != nil {
			_ = sf.mmapReader.Close()
			sf.mmapReader = nil
		}
		sf.mu.Unlock()
		if err != nil {
			return fmt.Errorf("device: write segment %d: %w", id, err)
		}

		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

// ReadAt implements Device.
func (d *FileDevice) ReadAt(ctx context.Context, addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	read := 0
	for read < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := addr + uint64(read)
		id := int64(cur) / d.segmentSize
		off := int64(cur) % d.segmentSize
		want := d.segmentSize - off
		if want > int64(n-read) {
			want = int64(n - read)
		}

		sf, err := d.segmentFor(id)
		if err != nil {
			return nil, err
		}

		got, err := sf.readAt(out[read:read+int(want)], off)
		if err != nil {
			return nil, fmt.Errorf("device: read segment %d: %w", id, err)
		}
		if got < int(want) {
			return out[:read+got], fmt.Errorf("%w: got %d wanted %d", ErrShortRead, got, want)
		}
		read += got
	}
	return out, nil
}

func (sf *segmentFile) readAt(p []byte, off int64) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.mmapReader != nil {
		return sf.mmapReader.ReadAt(p, off)
	}
	return sf.f.ReadAt(p, off)
}

// sealForMmap switches a segment to mmap-backed reads once it becomes
// immutable (no writer will touch it again). Called by the hybrid log after
// a page write completes and the page is marked flushed.
func (d *FileDevice) sealForMmap(id int64) {
	d.mu.Lock()
	sf, ok := d.segments[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.mmapReader != nil || sf.f == nil {
		return
	}
	r, err := mmap.Open(d.segmentPath(id))
	if err != nil {
		d.logger.Warnf("device: mmap open segment %d failed: %v", id, err)
		return
	}
	sf.mmapReader = r
}

// Seal is the exported form of sealForMmap.
func (d *FileDevice) Seal(segmentID int64) { d.sealForMmap(segmentID) }

// Flush implements Device: fsyncs every open segment whose id is at most
// upto / segment size, which includes the segment holding upto itself.
func (d *FileDevice) Flush(ctx context.Context, upto uint64) error {
	lastID := int64(upto) / d.segmentSize
	d.mu.Lock()
	var toSync []*segmentFile
	for id, sf := range d.segments {
		if id <= lastID {
			toSync = append(toSync, sf)
		}
	}
	d.mu.Unlock()

	for _, sf := range toSync {
		if err := ctx.Err(); err != nil {
			return err
		}
		sf.mu.Lock()
		var err error
		if sf.f != nil {
			err = fdatasync(sf.f)
		}
		sf.mu.Unlock()
		if err != nil {
			return fmt.Errorf("device: flush segment %d: %w", sf.id, err)
		}
	}
	return nil
}

// Truncate implements Device. Segment files are the unit of reclamation: a
// segment is removed only once it lies entirely below the requested
// boundary, mirroring the teacher's whole-file merge/removal granularity in
// loadMergeFiles rather than attempting sub-file hole punching.
func (d *FileDevice) Truncate(below uint64) error {
	lastFullID := int64(below)/d.segmentSize - 1
	d.mu.Lock()
	var doomed []*segmentFile
	for id, sf := range d.segments {
		if id <= lastFullID {
			doomed = append(doomed, sf)
			delete(d.segments, id)
		}
	}
	d.mu.Unlock()

	for _, sf := range doomed {
		sf.mu.Lock()
		if sf.mmapReader != nil {
			_ = sf.mmapReader.Close()
		}
		if sf.f != nil {
			_ = sf.f.Close()
		}
		sf.mu.Unlock()
		if err := os.Remove(d.segmentPath(sf.id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("device: remove segment %d: %w", sf.id, err)
		}
	}
	return nil
}

// Close implements Device.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, sf := range d.segments {
		if sf.mmapReader != nil {
			if err := sf.mmapReader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if sf.f != nil {
			if err := sf.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
