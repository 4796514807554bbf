package capsule

import (
	"sort"

	"github.com/aetherhq/capsule/internal/flock"
	"github.com/aetherhq/capsule/internal/framelog"
)

// DiffReport compares the active sets of two capsules by uri and
// content checksum. All lists are sorted by uri.
type DiffReport struct {
	OnlyLeft  []string `json:"only_left"`
	OnlyRight []string `json:"only_right"`
	Changed   []string `json:"changed"`
}

// Identical reports whether the two active sets match.
func (r *DiffReport) Identical() bool {
	return len(r.OnlyLeft) == 0 && len(r.OnlyRight) == 0 && len(r.Changed) == 0
}

// Diff compares two capsules without modifying either.
func Diff(leftPath, rightPath string, optFns ...Option) (*DiffReport, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	activeChecksums := func(path string) (map[string]string, error) {
		lk, err := flock.Acquire(path, flock.Options{Timeout: opts.lockTimeout, Logger: opts.logger.Logger})
		if err != nil {
			return nil, translateError(err)
		}
		defer lk.Release()

		log, err := framelog.Open(path)
		if err != nil {
			return nil, translateError(err)
		}
		defer log.Close()

		out := make(map[string]string)
		for uri, info := range log.ActiveSet() {
			out[uri] = info.Checksum
		}
		return out, nil
	}

	left, err := activeChecksums(leftPath)
	if err != nil {
		return nil, err
	}
	right, err := activeChecksums(rightPath)
	if err != nil {
		return nil, err
	}

	report := &DiffReport{}

	for uri, sum := range left {
		rsum, ok := right[uri]
		switch {
		case !ok:
			report.OnlyLeft = append(report.OnlyLeft, uri)
		case rsum != sum:
			report.Changed = append(report.Changed, uri)
		}
	}
	for uri := range right {
		if _, ok := left[uri]; !ok {
			report.OnlyRight = append(report.OnlyRight, uri)
		}
	}

	sort.Strings(report.OnlyLeft)
	sort.Strings(report.OnlyRight)
	sort.Strings(report.Changed)

	return report, nil
}
