// Package progress wraps an io.Reader to report byte counts to a callback
// at a fixed byte interval, keeping download logs bounded for large files.
package progress

import "io"

type Reader struct {
	reader         io.Reader
	total          int64
	onProgress     func(written, total int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

func NewReader(r io.Reader, total, interval int64, cb func(written, total int64)) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// Total returns the cumulative number of bytes read so far.
func (pr *Reader) Total() int64 {
	return pr.totalRead
}
