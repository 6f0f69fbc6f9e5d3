package transform

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func wavBytes(t *testing.T, rate, channels, depth, frames int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	data := make([]int, frames*channels)
	for i := range data {
		data[i] = (i % 64) << (depth - 8)
	}
	enc := wav.NewEncoder(f, rate, depth, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: depth,
	}))
	require.NoError(t, enc.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	out, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return out
}

func wavBufferOf(data []int, channels, rate int) *audio.IntBuffer {
	return &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:   data,
	}
}
