package progress

import "io"

// Func receives the bytes read so far and the expected total (0 if unknown).
type Func func(read int64, total int64)

// Reader wraps an io.Reader and reports progress via a callback, every
// interval bytes and at each quarter of a known total.
type Reader struct {
	r          io.Reader
	total      int64
	read       int64
	sinceLast  int64
	interval   int64
	nextQuart  int64
	onProgress Func
}

func NewReader(r io.Reader, total int64, interval int64, cb Func) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		nextQuart:  1,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.due() {
			pr.onProgress(pr.read, pr.total)
			pr.sinceLast = 0
		}
	}

	return n, err
}

// BytesRead returns how many bytes passed through so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) due() bool {
	report := pr.interval > 0 && pr.sinceLast >= pr.interval

	if pr.total > 0 {
		for pr.nextQuart <= 4 && pr.read*4 >= pr.total*pr.nextQuart {
			pr.nextQuart++
			report = true
		}
	}

	return report && pr.onProgress != nil
}
