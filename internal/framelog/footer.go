package framelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aetherhq/capsule/internal/checksum"
)

// FrameInfo is the footer's view of one stored frame.
type FrameInfo struct {
	Seq        uint64 `json:"seq"`
	URI        string `json:"uri"`
	Collection string `json:"collection,omitempty"`
	Timestamp  int64  `json:"ts"` // unix millis
	Checksum   string `json:"checksum"`
	Status     string `json:"status"`
	Offset     int64  `json:"off"`
	Length     int64  `json:"len"`
	HasVector  bool   `json:"vec,omitempty"`
}

// Section locates a serialized index blob between the frames and the footer.
type Section struct {
	Offset int64  `json:"off"`
	Length int64  `json:"len"`
	CRC    uint32 `json:"crc"`
}

// Footer describes the active state of the capsule. It is the last thing
// written on every commit; if it is missing or torn the log is recovered
// by scanning the records.
type Footer struct {
	Version      int         `json:"version"`
	CapsuleID    string      `json:"capsule_id"`
	NextSeq      uint64      `json:"next_seq"`
	FrameEnd     int64       `json:"frame_end"`
	WALSize      int64       `json:"wal_size"`
	DeclaredTier string      `json:"declared_tier,omitempty"`
	Frames       []FrameInfo `json:"frames"`
	LexIndex     *Section    `json:"lex_index,omitempty"`
	VecIndex     *Section    `json:"vec_index,omitempty"`
}

// encodeFooter serializes the footer with its CRC trailer.
func encodeFooter(ft *Footer) ([]byte, error) {
	doc, err := json.Marshal(ft)
	if err != nil {
		return nil, fmt.Errorf("encode footer: %w", err)
	}
	buf := make([]byte, len(doc)+trailerSize)
	copy(buf, doc)
	binary.LittleEndian.PutUint32(buf[len(doc):], checksum.Sum(doc))
	binary.LittleEndian.PutUint32(buf[len(doc)+4:], uint32(len(doc)))
	copy(buf[len(doc)+8:], trailerMagic[:])
	return buf, nil
}

// readFooter reads and verifies a trailing footer. ok is false when the
// file has no valid trailer (missing, torn, or checksum mismatch), which
// signals the caller to recover by scanning.
func readFooter(f *os.File, fileSize int64) (*Footer, int64, bool) {
	if fileSize < headerSize+trailerSize {
		return nil, 0, false
	}

	var tail [trailerSize]byte
	if _, err := f.ReadAt(tail[:], fileSize-trailerSize); err != nil {
		return nil, 0, false
	}
	if [4]byte(tail[8:12]) != trailerMagic {
		return nil, 0, false
	}
	docLen := int64(binary.LittleEndian.Uint32(tail[4:8]))
	wantCRC := binary.LittleEndian.Uint32(tail[0:4])

	start := fileSize - trailerSize - docLen
	if docLen <= 0 || start < headerSize {
		return nil, 0, false
	}

	doc := make([]byte, docLen)
	if _, err := f.ReadAt(doc, start); err != nil {
		return nil, 0, false
	}
	if checksum.Sum(doc) != wantCRC {
		return nil, 0, false
	}

	var ft Footer
	if err := json.Unmarshal(doc, &ft); err != nil {
		return nil, 0, false
	}
	if ft.FrameEnd < headerSize || ft.FrameEnd > start {
		return nil, 0, false
	}
	return &ft, start, true
}
