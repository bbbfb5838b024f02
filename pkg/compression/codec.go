package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses chunk files on their way to the archive.
type Codec interface {
	Name() string
	// Extension is appended to the object key of a compressed file.
	Extension() string
	// Compress copies r to w compressed and returns the number of bytes written to w.
	Compress(r io.Reader, w io.Writer) (int64, error)
	Decompress(r io.Reader, w io.Writer) (int64, error)
}

// ByName returns the codec called name: "none" (or empty), "gzip" or "zstd".
func ByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "gzip":
		return Gzip{}, nil
	case "zstd":
		return Zstd{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

type None struct{}

func (None) Name() string      { return "none" }
func (None) Extension() string { return "" }

func (None) Compress(r io.Reader, w io.Writer) (int64, error) {
	return io.Copy(w, r)
}

func (None) Decompress(r io.Reader, w io.Writer) (int64, error) {
	return io.Copy(w, r)
}

type Gzip struct{}

func (Gzip) Name() string      { return "gzip" }
func (Gzip) Extension() string { return ".gz" }

func (Gzip) Compress(r io.Reader, w io.Writer) (int64, error) {
	sized := newSizedWriter(w)
	gz := gzip.NewWriter(sized)
	if _, err := io.Copy(gz, r); err != nil {
		_ = gz.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return sized.written, nil
}

func (Gzip) Decompress(r io.Reader, w io.Writer) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	return io.Copy(w, gz)
}

// Zstd uses the default encoder level unless Level is set.
type Zstd struct {
	Level zstd.EncoderLevel
}

func (Zstd) Name() string      { return "zstd" }
func (Zstd) Extension() string { return ".zst" }

func (z Zstd) Compress(r io.Reader, w io.Writer) (int64, error) {
	sized := newSizedWriter(w)
	var opts []zstd.EOption
	if z.Level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(z.Level))
	}
	enc, err := zstd.NewWriter(sized, opts...)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	return sized.written, nil
}

func (Zstd) Decompress(r io.Reader, w io.Writer) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	return io.Copy(w, dec)
}
