package capsule

import (
	"github.com/aetherhq/capsule/internal/flock"
	"github.com/aetherhq/capsule/internal/framelog"
)

// Finding is one problem discovered by Doctor.
type Finding struct {
	Kind    string `json:"kind"`
	Offset  int64  `json:"offset,omitempty"`
	Message string `json:"message"`
}

// DoctorReport is the result of an integrity scan.
type DoctorReport struct {
	Healthy     bool      `json:"healthy"`
	Frames      int       `json:"frames"`
	FrameBytes  int64     `json:"frame_bytes"`
	FooterValid bool      `json:"footer_valid"`
	LexIndexOK  bool      `json:"lex_index_ok"`
	VecIndexOK  bool      `json:"vec_index_ok"`
	Findings    []Finding `json:"findings,omitempty"`
	Repaired    bool      `json:"repaired"`
}

// DoctorOptions configures an integrity scan.
type DoctorOptions struct {
	// Repair truncates a torn tail and rebuilds the footer when the scan
	// finds damage. Index sections are dropped and rebuilt on next open.
	// The default is a dry run.
	Repair bool
}

// Doctor scans a capsule file front to back: header, every record CRC,
// the footer trailer, and the index section checksums. The capsule must
// not be open elsewhere.
func Doctor(path string, optFns ...func(o *DoctorOptions)) (*DoctorReport, error) {
	opts := DoctorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	lk, err := flock.Acquire(path, flock.Options{})
	if err != nil {
		return nil, translateError(err)
	}
	defer lk.Release()

	scan, err := framelog.Scan(path)
	if err != nil {
		return nil, translateError(err)
	}

	report := &DoctorReport{
		Healthy:     scan.Healthy(),
		Frames:      scan.Frames,
		FrameBytes:  scan.FrameBytes,
		FooterValid: scan.FooterValid,
		LexIndexOK:  scan.LexIndexOK,
		VecIndexOK:  scan.VecIndexOK,
	}
	for _, f := range scan.Findings {
		report.Findings = append(report.Findings, Finding{
			Kind:    f.Kind,
			Offset:  f.Offset,
			Message: f.Message,
		})
	}

	if !report.Healthy && opts.Repair {
		if err := framelog.Repair(path); err != nil {
			return report, translateError(err)
		}
		report.Repaired = true
	}

	return report, nil
}
