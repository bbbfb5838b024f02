package compression

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestCodecsRoundTrip(t *testing.T) {
	// chunk files are mostly repetitive frames
	input := bytes.Repeat([]byte("prepare|orders-42|created|{\"sku\":\"a\"}|"), 2048)

	for _, codec := range []Codec{None{}, Gzip{}, Zstd{}, Zstd{Level: zstd.SpeedBestCompression}} {
		t.Run(codec.Name(), func(t *testing.T) {
			var compressed bytes.Buffer
			n, err := codec.Compress(bytes.NewReader(input), &compressed)
			require.NoError(t, err)
			require.Equal(t, int64(compressed.Len()), n)
			if codec.Name() != "none" {
				require.Less(t, n, int64(len(input)))
			}

			var out bytes.Buffer
			_, err = codec.Decompress(&compressed, &out)
			require.NoError(t, err)
			require.Equal(t, input, out.Bytes())
		})
	}
}

func TestByName(t *testing.T) {
	for name, ext := range map[string]string{"": "", "none": "", "gzip": ".gz", "zstd": ".zst"} {
		c, err := ByName(name)
		require.NoError(t, err)
		require.Equal(t, ext, c.Extension())
	}
	_, err := ByName("lz4")
	require.Error(t, err)
}

func TestRatio(t *testing.T) {
	require.Equal(t, 1.0, Ratio(0, 10))
	require.Equal(t, 0.25, Ratio(400, 100))
}
