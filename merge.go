package capsule

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/internal/flock"
	"github.com/aetherhq/capsule/internal/framelog"
)

// MergeInputStats counts what one input contributed to a merge.
type MergeInputStats struct {
	Written        int `json:"written"`
	Deduped        int `json:"deduped"`
	CorruptSkipped int `json:"corrupt_skipped"`
}

// MergeReport summarizes a merge run.
type MergeReport struct {
	Left  MergeInputStats `json:"left"`
	Right MergeInputStats `json:"right"`
	Total int             `json:"total"`
}

type mergeEntry struct {
	fr       *frame.Frame
	checksum string
	tsMilli  int64
	fromLeft bool
}

// Merge unions the active frames of two capsules into a new capsule at
// outPath. Frames are deduplicated on (uri, checksum, timestamp),
// corrupt frames are skipped and counted, and the output is written in
// (timestamp, uri, checksum) order so merging is order-independent.
func Merge(leftPath, rightPath, outPath string, optFns ...Option) (*MergeReport, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	report := &MergeReport{}
	seen := make(map[string]struct{})
	var entries []mergeEntry

	collect := func(path string, stats *MergeInputStats, fromLeft bool) error {
		lk, err := flock.Acquire(path, flock.Options{Timeout: opts.lockTimeout, Logger: opts.logger.Logger})
		if err != nil {
			return translateError(err)
		}
		defer lk.Release()

		log, err := framelog.Open(path)
		if err != nil {
			return translateError(err)
		}
		defer log.Close()

		for uri, info := range log.ActiveSet() {
			fr, err := log.ReadAt(info.Seq)
			if err != nil {
				var ce *framelog.CorruptError
				if errors.As(err, &ce) {
					stats.CorruptSkipped++
					opts.logger.Warn("corrupt frame skipped during merge", "path", path, "uri", uri, "seq", info.Seq)
					continue
				}
				return translateError(err)
			}

			key := fmt.Sprintf("%s|%s|%d", fr.URI, fr.ChecksumHex(), fr.Timestamp.UnixMilli())
			if _, dup := seen[key]; dup {
				stats.Deduped++
				continue
			}
			seen[key] = struct{}{}

			entries = append(entries, mergeEntry{
				fr:       fr,
				checksum: fr.ChecksumHex(),
				tsMilli:  fr.Timestamp.UnixMilli(),
				fromLeft: fromLeft,
			})
		}
		return nil
	}

	if err := collect(leftPath, &report.Left, true); err != nil {
		return nil, err
	}
	if err := collect(rightPath, &report.Right, false); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.tsMilli != b.tsMilli {
			return a.tsMilli < b.tsMilli
		}
		if a.fr.URI != b.fr.URI {
			return a.fr.URI < b.fr.URI
		}
		return a.checksum < b.checksum
	})

	out, err := Create(outPath, func(o *options) { *o = opts })
	if err != nil {
		return nil, err
	}
	defer out.Close()

	for _, e := range entries {
		_, err := out.Put(e.fr.URI, e.fr.Body, func(po *PutOptions) {
			po.Metadata = e.fr.Metadata
			po.Timestamp = e.fr.Timestamp
			po.Embedding = e.fr.Embedding
		})
		if err != nil {
			return nil, err
		}
		if e.fromLeft {
			report.Left.Written++
		} else {
			report.Right.Written++
		}
		report.Total++
	}

	return report, nil
}
