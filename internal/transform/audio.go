package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Audio defaults.
const (
	DefaultMaxChannels   = 2
	DefaultMaxSampleRate = 44100
	DefaultBitrate       = "128k"
	DefaultFFmpegPath    = "ffmpeg"

	outputBitDepth = 16
	wavFormatPCM   = 1
)

// ErrFFmpegUnavailable is wrapped in the Error returned for non-WAV input
// when no ffmpeg binary can be found.
var ErrFFmpegUnavailable = errors.New("ffmpeg not available")

// AudioCompressor bounds an audio file's size. WAV input is down-mixed,
// decimated and re-encoded as 16-bit PCM in-process; any other audio type is
// transcoded to MP3 by an ffmpeg subprocess.
type AudioCompressor struct {
	MaxChannels   int
	MaxSampleRate int
	Bitrate       string
	FFmpegPath    string
}

// NewAudioCompressor returns a compressor, falling back to defaults for
// zero values.
func NewAudioCompressor(maxChannels, maxSampleRate int, bitrate, ffmpegPath string) *AudioCompressor {
	if maxChannels <= 0 {
		maxChannels = DefaultMaxChannels
	}
	if maxSampleRate <= 0 {
		maxSampleRate = DefaultMaxSampleRate
	}
	if strings.TrimSpace(bitrate) == "" {
		bitrate = DefaultBitrate
	}
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	return &AudioCompressor{
		MaxChannels:   maxChannels,
		MaxSampleRate: maxSampleRate,
		Bitrate:       bitrate,
		FFmpegPath:    ffmpegPath,
	}
}

// Compress implements Compressor.
func (c *AudioCompressor) Compress(ctx context.Context, f UploadFile) (UploadFile, error) {
	if err := ctx.Err(); err != nil {
		return UploadFile{}, newError("compress", f, err)
	}
	if len(f.Data) == 0 {
		return UploadFile{}, newError("compress", f, fmt.Errorf("empty audio"))
	}
	if isWAV(f.MIMEType) {
		return c.compressWAV(f)
	}
	return c.transcodeMP3(ctx, f)
}

func isWAV(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return true
	}
	return false
}

func (c *AudioCompressor) compressWAV(f UploadFile) (UploadFile, error) {
	dec := wav.NewDecoder(bytes.NewReader(f.Data))
	if !dec.IsValidFile() {
		return UploadFile{}, newError("compress", f, fmt.Errorf("invalid wav file"))
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return UploadFile{}, newError("compress", f, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return UploadFile{}, newError("compress", f, fmt.Errorf("wav has no format chunk"))
	}

	out := downmix(buf, c.MaxChannels)
	out = decimate(out, c.MaxSampleRate)
	toBitDepth(out, int(dec.BitDepth), outputBitDepth)

	data, err := encodeWAV(out)
	if err != nil {
		return UploadFile{}, newError("compress", f, err)
	}
	return f.withFormat(data, "audio/wav", ".wav"), nil
}

// downmix keeps at most maxCh channels. Folding to mono averages every
// source channel; otherwise the leading channels are kept.
func downmix(buf *audio.IntBuffer, maxCh int) *audio.IntBuffer {
	ch := buf.Format.NumChannels
	if ch <= maxCh {
		return buf
	}
	frames := len(buf.Data) / ch
	data := make([]int, 0, frames*maxCh)
	for i := 0; i < frames; i++ {
		frame := buf.Data[i*ch : (i+1)*ch]
		if maxCh == 1 {
			sum := 0
			for _, v := range frame {
				sum += v
			}
			data = append(data, sum/ch)
			continue
		}
		data = append(data, frame[:maxCh]...)
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: maxCh, SampleRate: buf.Format.SampleRate},
		Data:           data,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

// decimate lowers the sample rate by the smallest integer factor that brings
// it to maxRate or below, averaging each group of frames.
func decimate(buf *audio.IntBuffer, maxRate int) *audio.IntBuffer {
	rate, ch := buf.Format.SampleRate, buf.Format.NumChannels
	if rate <= maxRate {
		return buf
	}
	factor := (rate + maxRate - 1) / maxRate
	frames := len(buf.Data) / ch / factor
	data := make([]int, frames*ch)
	for i := 0; i < frames; i++ {
		for c := 0; c < ch; c++ {
			sum := 0
			for k := 0; k < factor; k++ {
				sum += buf.Data[((i*factor)+k)*ch+c]
			}
			data[i*ch+c] = sum / factor
		}
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: ch, SampleRate: rate / factor},
		Data:           data,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

// toBitDepth rescales samples in place. 8-bit WAV samples are unsigned.
func toBitDepth(buf *audio.IntBuffer, from, to int) {
	if from == 8 {
		for i, v := range buf.Data {
			buf.Data[i] = v - 128
		}
	}
	switch {
	case from > to:
		shift := uint(from - to)
		for i, v := range buf.Data {
			buf.Data[i] = v >> shift
		}
	case from < to:
		shift := uint(to - from)
		for i, v := range buf.Data {
			buf.Data[i] = v << shift
		}
	}
	buf.SourceBitDepth = to
}

// encodeWAV writes buf through a temp file since the encoder needs to seek
// back and patch the chunk sizes.
func encodeWAV(buf *audio.IntBuffer) ([]byte, error) {
	tmp, err := os.CreateTemp("", "impulse-*.wav")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	enc := wav.NewEncoder(tmp, buf.Format.SampleRate, outputBitDepth, buf.Format.NumChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(tmp)
}

func (c *AudioCompressor) transcodeMP3(ctx context.Context, f UploadFile) (UploadFile, error) {
	bin, err := exec.LookPath(c.FFmpegPath)
	if err != nil {
		return UploadFile{}, newError("compress", f, fmt.Errorf("%w: %v", ErrFFmpegUnavailable, err))
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn", "-codec:a", "libmp3lame", "-b:a", c.Bitrate,
		"-f", "mp3", "pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(f.Data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return UploadFile{}, newError("compress", f, fmt.Errorf("ffmpeg: %s", msg))
	}
	if stdout.Len() == 0 {
		return UploadFile{}, newError("compress", f, fmt.Errorf("ffmpeg produced no output"))
	}
	return f.withFormat(stdout.Bytes(), "audio/mpeg", ".mp3"), nil
}
