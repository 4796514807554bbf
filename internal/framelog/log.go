// Package framelog implements the append-only single-file frame store.
//
// The log is the source of truth; the lexical and vector indices are
// rebuildable views over it. Appends are atomic with respect to crash: a
// partially written trailing record is detected at open time and
// discarded, never surfaced.
package framelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/internal/checksum"
)

var (
	// ErrNotFound is returned when no frame exists for a uri or sequence.
	ErrNotFound = errors.New("frame not found")
	// ErrCapacity is returned when an append would exceed the data limit.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrExists is returned by Create when the file already exists.
	ErrExists = errors.New("capsule already exists")
	// ErrRecordTooLarge is returned when a single frame would not fit in
	// the record length prefix.
	ErrRecordTooLarge = errors.New("record too large")
)

// CorruptError reports a frame whose stored CRC does not match its bytes.
type CorruptError struct {
	Seq    uint64
	Offset int64
	cause  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt frame seq=%d at offset %d: %v", e.Seq, e.Offset, e.cause)
}

func (e *CorruptError) Unwrap() error { return e.cause }

// Log is an open capsule frame log. It is not safe for concurrent use;
// cross-process exclusion is handled by the capsule-level file lock, and
// a Log instance belongs to exactly one capsule session.
type Log struct {
	path   string
	f      *os.File
	footer Footer

	byURI map[string][]int // footer.Frames indices per uri, ascending seq
	bySeq map[uint64]int

	recovered bool
}

// Create initializes a new empty capsule file. It fails with ErrExists
// when the path is already present.
func Create(path string) (*Log, error) {
	return CreateWithID(path, ulid.Make())
}

// CreateWithID is Create with a caller-chosen capsule id. Compaction
// uses it to keep the identity of the file it replaces.
func CreateWithID(path string, id ulid.ULID) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("create capsule: %w", err)
	}

	var hdr [headerSize]byte
	copy(hdr[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], headerVersion)
	copy(hdr[8:24], id[:])
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write capsule header: %w", err)
	}

	l := &Log{
		path: path,
		f:    f,
		footer: Footer{
			Version:   headerVersion,
			CapsuleID: id.String(),
			NextSeq:   1,
			FrameEnd:  headerSize,
		},
		byURI: make(map[string][]int),
		bySeq: make(map[uint64]int),
	}
	if err := l.writeFooter(l.footer.FrameEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Open opens an existing capsule, recovering from a torn tail or missing
// footer by scanning the records.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open capsule: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat capsule: %w", err)
	}

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read capsule header: %w", err)
	}
	if [4]byte(hdr[0:4]) != fileMagic {
		_ = f.Close()
		return nil, fmt.Errorf("not a capsule file: bad magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != headerVersion {
		_ = f.Close()
		return nil, fmt.Errorf("unsupported capsule version: %d", v)
	}
	var id ulid.ULID
	copy(id[:], hdr[8:24])

	l := &Log{path: path, f: f}

	if ft, _, ok := readFooter(f, st.Size()); ok {
		l.footer = *ft
	} else {
		if err := l.recover(id, st.Size()); err != nil {
			_ = f.Close()
			return nil, err
		}
		l.recovered = true
	}
	l.rebuildMaps()
	return l, nil
}

// recover rebuilds the footer by scanning every record from the header.
// The scan stops at the first invalid record (the torn tail from an
// interrupted append) and truncates the file there.
func (l *Log) recover(id ulid.ULID, fileSize int64) error {
	ft := Footer{
		Version:   headerVersion,
		CapsuleID: id.String(),
		NextSeq:   1,
		FrameEnd:  headerSize,
	}

	var walSize int64
	off := int64(headerSize)
	for off+recordOverhead <= fileSize {
		var lenBuf [4]byte
		if _, err := l.f.ReadAt(lenBuf[:], off); err != nil {
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if payloadLen <= 0 || payloadLen > maxRecordSize || off+recordOverhead+payloadLen > fileSize {
			break
		}

		buf := make([]byte, payloadLen+4)
		if _, err := l.f.ReadAt(buf, off+4); err != nil {
			break
		}
		payload := buf[:payloadLen]
		wantCRC := binary.LittleEndian.Uint32(buf[payloadLen:])
		if checksum.Sum(payload) != wantCRC {
			break
		}

		fr, err := decodePayload(payload)
		if err != nil {
			break
		}

		recLen := recordOverhead + payloadLen
		ft.Frames = append(ft.Frames, frameInfoOf(fr, off, recLen))
		if fr.Sequence >= ft.NextSeq {
			ft.NextSeq = fr.Sequence + 1
		}
		walSize += recLen
		off += recLen
	}

	ft.FrameEnd = off
	ft.WALSize = walSize

	if err := l.f.Truncate(off); err != nil {
		return fmt.Errorf("truncate torn tail: %w", err)
	}
	l.footer = ft
	return l.writeFooter(off)
}

func frameInfoOf(fr *frame.Frame, off, recLen int64) FrameInfo {
	return FrameInfo{
		Seq:        fr.Sequence,
		URI:        fr.URI,
		Collection: fr.Collection(),
		Timestamp:  fr.Timestamp.UnixMilli(),
		Checksum:   fr.ChecksumHex(),
		Status:     fr.Status.String(),
		Offset:     off,
		Length:     recLen,
		HasVector:  len(fr.Embedding) > 0,
	}
}

func (l *Log) rebuildMaps() {
	l.byURI = make(map[string][]int)
	l.bySeq = make(map[uint64]int, len(l.footer.Frames))
	for i, info := range l.footer.Frames {
		l.byURI[info.URI] = append(l.byURI[info.URI], i)
		l.bySeq[info.Seq] = i
	}
}

// Recovered reports whether Open had to rebuild state by scanning; the
// caller must not trust persisted index sections in that case.
func (l *Log) Recovered() bool { return l.recovered }

// CapsuleID returns the identity assigned at creation.
func (l *Log) CapsuleID() string { return l.footer.CapsuleID }

// NextSeq returns the sequence the next append will receive.
func (l *Log) NextSeq() uint64 { return l.footer.NextSeq }

// WALSize returns the bytes of records appended since the last compaction.
func (l *Log) WALSize() int64 { return l.footer.WALSize }

// DataSize returns the total bytes of frame records in the file.
func (l *Log) DataSize() int64 { return l.footer.FrameEnd - headerSize }

// FooterOffset returns the file offset where the footer document starts.
func (l *Log) FooterOffset() int64 {
	end := l.footer.FrameEnd
	if l.footer.LexIndex != nil {
		end += l.footer.LexIndex.Length
	}
	if l.footer.VecIndex != nil {
		end += l.footer.VecIndex.Length
	}
	return end
}

// DeclaredTier returns the persisted tier name, if any.
func (l *Log) DeclaredTier() string { return l.footer.DeclaredTier }

// SetDeclaredTier records the tier name; persisted on the next commit.
func (l *Log) SetDeclaredTier(name string) { l.footer.DeclaredTier = name }

// FrameCount returns the total number of stored frames, all versions.
func (l *Log) FrameCount() int { return len(l.footer.Frames) }

// Frames returns the footer's frame list in append order. The slice is
// shared; callers must not mutate it.
func (l *Log) Frames() []FrameInfo { return l.footer.Frames }

// Append assigns the next sequence to fr, writes its record, and commits
// a new footer. limit > 0 enforces the capacity ceiling on the
// prospective data size: the append fails with ErrCapacity and nothing is
// written. Index sections become stale and are dropped.
func (l *Log) Append(fr *frame.Frame, codec Codec, limit int64) (uint64, error) {
	fr.Sequence = l.footer.NextSeq

	rec, err := encodeRecord(fr, codec)
	if err != nil {
		return 0, err
	}

	if limit > 0 && l.DataSize()+int64(len(rec)) > limit {
		return 0, fmt.Errorf("%w: data %d + frame %d exceeds limit %d",
			ErrCapacity, l.DataSize(), len(rec), limit)
	}

	// Drop any stale index sections and old footer before appending.
	if err := l.f.Truncate(l.footer.FrameEnd); err != nil {
		return 0, fmt.Errorf("truncate for append: %w", err)
	}

	off := l.footer.FrameEnd
	if _, err := l.f.WriteAt(rec, off); err != nil {
		return 0, fmt.Errorf("append frame: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync frame: %w", err)
	}

	recLen := int64(len(rec))
	l.footer.Frames = append(l.footer.Frames, frameInfoOf(fr, off, recLen))
	idx := len(l.footer.Frames) - 1
	l.byURI[fr.URI] = append(l.byURI[fr.URI], idx)
	l.bySeq[fr.Sequence] = idx
	l.footer.NextSeq++
	l.footer.FrameEnd += recLen
	l.footer.WALSize += recLen
	l.footer.LexIndex = nil
	l.footer.VecIndex = nil

	if err := l.writeFooter(l.footer.FrameEnd); err != nil {
		return 0, err
	}
	return fr.Sequence, nil
}

func (l *Log) writeFooter(at int64) error {
	buf, err := encodeFooter(&l.footer)
	if err != nil {
		return err
	}
	if _, err := l.f.WriteAt(buf, at); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if err := l.f.Truncate(at + int64(len(buf))); err != nil {
		return fmt.Errorf("trim footer: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync footer: %w", err)
	}
	return nil
}

// ReadAt reads the frame with the given sequence, verifying its CRC.
func (l *Log) ReadAt(seq uint64) (*frame.Frame, error) {
	idx, ok := l.bySeq[seq]
	if !ok {
		return nil, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	return l.readRecord(l.footer.Frames[idx])
}

func (l *Log) readRecord(info FrameInfo) (*frame.Frame, error) {
	buf := make([]byte, info.Length)
	if _, err := l.f.ReadAt(buf, info.Offset); err != nil {
		return nil, &CorruptError{Seq: info.Seq, Offset: info.Offset, cause: err}
	}
	payloadLen := int64(binary.LittleEndian.Uint32(buf[0:4]))
	if payloadLen != info.Length-recordOverhead {
		return nil, &CorruptError{Seq: info.Seq, Offset: info.Offset,
			cause: fmt.Errorf("record length mismatch")}
	}
	payload := buf[4 : 4+payloadLen]
	wantCRC := binary.LittleEndian.Uint32(buf[4+payloadLen:])
	if got := checksum.Sum(payload); got != wantCRC {
		return nil, &CorruptError{Seq: info.Seq, Offset: info.Offset,
			cause: checksum.Verify(wantCRC, got)}
	}
	fr, err := decodePayload(payload)
	if err != nil {
		return nil, &CorruptError{Seq: info.Seq, Offset: info.Offset, cause: err}
	}
	return fr, nil
}

// InfoAt returns the footer entry for a sequence.
func (l *Log) InfoAt(seq uint64) (FrameInfo, bool) {
	i, ok := l.bySeq[seq]
	if !ok {
		return FrameInfo{}, false
	}
	return l.footer.Frames[i], true
}

// Latest returns the newest frame for uri regardless of status.
func (l *Log) Latest(uri string) (*frame.Frame, error) {
	idxs := l.byURI[uri]
	if len(idxs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return l.readRecord(l.footer.Frames[idxs[len(idxs)-1]])
}

// LatestInfo returns the newest footer entry for uri.
func (l *Log) LatestInfo(uri string) (FrameInfo, bool) {
	idxs := l.byURI[uri]
	if len(idxs) == 0 {
		return FrameInfo{}, false
	}
	return l.footer.Frames[idxs[len(idxs)-1]], true
}

// Versions returns all footer entries for uri in ascending sequence order.
func (l *Log) Versions(uri string) []FrameInfo {
	idxs := l.byURI[uri]
	out := make([]FrameInfo, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.footer.Frames[i])
	}
	return out
}

// AsOf resolves uri to the newest frame whose timestamp does not exceed
// tsMilli. A tombstone at that point hides the uri.
func (l *Log) AsOf(uri string, tsMilli int64) (FrameInfo, bool) {
	var found FrameInfo
	ok := false
	for _, i := range l.byURI[uri] {
		info := l.footer.Frames[i]
		if info.Timestamp <= tsMilli {
			found = info
			ok = true
		}
	}
	if !ok || found.Status != frame.StatusActive.String() {
		return FrameInfo{}, false
	}
	return found, true
}

// ActiveSet returns the current uri -> latest frame mapping, excluding
// tombstoned uris.
func (l *Log) ActiveSet() map[string]FrameInfo {
	out := make(map[string]FrameInfo, len(l.byURI))
	for uri, idxs := range l.byURI {
		info := l.footer.Frames[idxs[len(idxs)-1]]
		if info.Status == frame.StatusActive.String() {
			out[uri] = info
		}
	}
	return out
}

// ActiveSeqsAsOf returns the sequences visible in the snapshot at
// tsMilli: for each uri, the newest frame with timestamp <= tsMilli,
// unless that frame is a tombstone. tsMilli <= 0 means "now".
func (l *Log) ActiveSeqsAsOf(tsMilli int64) []uint64 {
	var out []uint64
	if tsMilli <= 0 {
		for _, info := range l.ActiveSet() {
			out = append(out, info.Seq)
		}
		return out
	}
	for uri := range l.byURI {
		if info, ok := l.AsOf(uri, tsMilli); ok {
			out = append(out, info.Seq)
		}
	}
	return out
}

// IterateActive calls fn for each active frame in ascending uri order.
// Read errors, including corruption, stop the iteration and are returned.
func (l *Log) IterateActive(fn func(*frame.Frame) error) error {
	active := l.ActiveSet()
	uris := make([]string, 0, len(active))
	for uri := range active {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		fr, err := l.readRecord(active[uri])
		if err != nil {
			return err
		}
		if err := fn(fr); err != nil {
			return err
		}
	}
	return nil
}

// WriteIndexSections persists the serialized index snapshots after the
// frame region and commits a footer describing them. Either blob may be
// nil to omit that section.
func (l *Log) WriteIndexSections(lex, vec []byte) error {
	if err := l.f.Truncate(l.footer.FrameEnd); err != nil {
		return fmt.Errorf("truncate for index sections: %w", err)
	}

	off := l.footer.FrameEnd
	l.footer.LexIndex = nil
	l.footer.VecIndex = nil

	write := func(blob []byte) (*Section, error) {
		if len(blob) == 0 {
			return nil, nil
		}
		if _, err := l.f.WriteAt(blob, off); err != nil {
			return nil, fmt.Errorf("write index section: %w", err)
		}
		sec := &Section{Offset: off, Length: int64(len(blob)), CRC: checksum.Sum(blob)}
		off += sec.Length
		return sec, nil
	}

	var err error
	if l.footer.LexIndex, err = write(lex); err != nil {
		return err
	}
	if l.footer.VecIndex, err = write(vec); err != nil {
		return err
	}
	return l.writeFooter(off)
}

// LexIndexSection returns the persisted lexical index blob, verifying its
// CRC. ok is false when no trustworthy section exists.
func (l *Log) LexIndexSection() ([]byte, bool) {
	return l.readSection(l.footer.LexIndex)
}

// VecIndexSection returns the persisted vector index blob, verifying its
// CRC. ok is false when no trustworthy section exists.
func (l *Log) VecIndexSection() ([]byte, bool) {
	return l.readSection(l.footer.VecIndex)
}

func (l *Log) readSection(sec *Section) ([]byte, bool) {
	if sec == nil || l.recovered {
		return nil, false
	}
	buf := make([]byte, sec.Length)
	if _, err := l.f.ReadAt(buf, sec.Offset); err != nil {
		return nil, false
	}
	if checksum.Sum(buf) != sec.CRC {
		return nil, false
	}
	return buf, true
}

// ResetWAL zeroes the WAL accounting. Used after compaction rewrites the
// file.
func (l *Log) ResetWAL() { l.footer.WALSize = 0 }

// Path returns the capsule file path.
func (l *Log) Path() string { return l.path }

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Sync()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
