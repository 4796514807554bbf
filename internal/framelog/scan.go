package framelog

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/aetherhq/capsule/internal/checksum"
)

// Finding is one problem discovered by Scan.
type Finding struct {
	Kind    string `json:"kind"`
	Offset  int64  `json:"offset,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Message string `json:"message"`
}

// ScanReport summarizes a full-file integrity pass.
type ScanReport struct {
	Frames      int       `json:"frames"`
	FrameBytes  int64     `json:"frame_bytes"`
	FooterValid bool      `json:"footer_valid"`
	LexIndexOK  bool      `json:"lex_index_ok"`
	VecIndexOK  bool      `json:"vec_index_ok"`
	TornTailAt  int64     `json:"torn_tail_at,omitempty"`
	Findings    []Finding `json:"findings,omitempty"`
}

// Healthy reports whether the scan found nothing to repair.
func (r *ScanReport) Healthy() bool {
	return len(r.Findings) == 0
}

// Scan verifies the whole file without modifying it: header, every
// record CRC, the footer trailer, and the index section checksums.
func Scan(path string) (*ScanReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capsule: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat capsule: %w", err)
	}
	fileSize := st.Size()

	report := &ScanReport{}

	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		report.Findings = append(report.Findings, Finding{Kind: "header", Message: "file too short for header"})
		return report, nil
	}
	if [4]byte(hdr[0:4]) != fileMagic {
		report.Findings = append(report.Findings, Finding{Kind: "header", Message: "bad magic"})
		return report, nil
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != headerVersion {
		report.Findings = append(report.Findings, Finding{Kind: "header", Message: fmt.Sprintf("unsupported version %d", v)})
		return report, nil
	}

	// Walk the records front to back, independent of the footer.
	off := int64(headerSize)
	for off+recordOverhead <= fileSize {
		var lenBuf [4]byte
		if _, err := f.ReadAt(lenBuf[:], off); err != nil {
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if payloadLen <= 0 || payloadLen > maxRecordSize || off+recordOverhead+payloadLen > fileSize {
			break
		}

		buf := make([]byte, payloadLen+4)
		if _, err := f.ReadAt(buf, off+4); err != nil {
			break
		}
		payload := buf[:payloadLen]
		wantCRC := binary.LittleEndian.Uint32(buf[payloadLen:])
		if checksum.Sum(payload) != wantCRC {
			report.Findings = append(report.Findings, Finding{
				Kind:    "record",
				Offset:  off,
				Message: "record checksum mismatch",
			})
			break
		}

		if _, err := decodePayload(payload); err != nil {
			report.Findings = append(report.Findings, Finding{
				Kind:    "record",
				Offset:  off,
				Message: fmt.Sprintf("undecodable record: %v", err),
			})
			break
		}

		report.Frames++
		report.FrameBytes += recordOverhead + payloadLen
		off += recordOverhead + payloadLen
	}
	frameEnd := off

	ft, _, footerOK := readFooter(f, fileSize)
	report.FooterValid = footerOK
	if !footerOK {
		report.TornTailAt = frameEnd
		report.Findings = append(report.Findings, Finding{
			Kind:    "footer",
			Offset:  frameEnd,
			Message: "footer missing or invalid; file needs repair",
		})
		return report, nil
	}

	if ft.FrameEnd != frameEnd {
		report.Findings = append(report.Findings, Finding{
			Kind:    "footer",
			Offset:  frameEnd,
			Message: fmt.Sprintf("footer frame end %d disagrees with scan %d", ft.FrameEnd, frameEnd),
		})
	}
	if len(ft.Frames) != report.Frames {
		report.Findings = append(report.Findings, Finding{
			Kind:    "footer",
			Message: fmt.Sprintf("footer lists %d frames, scan found %d", len(ft.Frames), report.Frames),
		})
	}

	report.LexIndexOK = sectionValid(f, ft.LexIndex)
	report.VecIndexOK = sectionValid(f, ft.VecIndex)
	if ft.LexIndex != nil && !report.LexIndexOK {
		report.Findings = append(report.Findings, Finding{Kind: "index", Message: "lexical index section checksum mismatch"})
	}
	if ft.VecIndex != nil && !report.VecIndexOK {
		report.Findings = append(report.Findings, Finding{Kind: "index", Message: "vector index section checksum mismatch"})
	}

	return report, nil
}

func sectionValid(f *os.File, sec *Section) bool {
	if sec == nil {
		return false
	}
	buf := make([]byte, sec.Length)
	if _, err := f.ReadAt(buf, sec.Offset); err != nil {
		return false
	}
	return checksum.Sum(buf) == sec.CRC
}

// Repair reopens the capsule, which truncates any torn tail and rebuilds
// the footer from the records, then commits the repaired state. Index
// sections are dropped; the next Open rebuilds them.
func Repair(path string) error {
	l, err := Open(path)
	if err != nil {
		return err
	}
	if err := l.WriteIndexSections(nil, nil); err != nil {
		_ = l.Close()
		return err
	}
	return l.Close()
}
