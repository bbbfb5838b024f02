package compression

import "io"

// sizedWriter counts the compressed bytes a codec hands to its destination,
// which is the object size the archive uploads.
type sizedWriter struct {
	dst     io.Writer
	written int64
}

func newSizedWriter(dst io.Writer) *sizedWriter {
	return &sizedWriter{dst: dst}
}

func (s *sizedWriter) Write(p []byte) (int, error) {
	n, err := s.dst.Write(p)
	s.written += int64(n)
	return n, err
}

// Ratio is compressed over raw size. An empty input has ratio 1.
func Ratio(raw, compressed int64) float64 {
	if raw <= 0 {
		return 1
	}
	return float64(compressed) / float64(raw)
}
