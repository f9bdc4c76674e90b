package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	SampleRate = 16000
	Channels   = 1
	BitDepth   = 16

	pcmFormat = 1
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyInput        = errors.New("audio stream is empty")
)

// Stream is decoded 16-bit PCM audio. Samples are interleaved when Channels > 1.
type Stream struct {
	Samples    []int
	SampleRate int
	Channels   int
}

// Canonical reports whether the stream is mono at 16 kHz.
func (s Stream) Canonical() bool {
	return s.SampleRate == SampleRate && s.Channels == Channels
}

// Duration returns the playback length in seconds.
func (s Stream) Duration() float64 {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate*s.Channels)
}

// Header describes a WAV file without decoding its samples.
type Header struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Format     int
}

// Canonical reports whether the header describes mono 16 kHz 16-bit PCM.
func (h Header) Canonical() bool {
	return h.Format == pcmFormat && h.SampleRate == SampleRate && h.Channels == Channels && h.BitDepth == BitDepth
}

// ReadHeader inspects the WAV header at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	dec, err := decodeHeader(f, path)
	if err != nil {
		return Header{}, err
	}
	return Header{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Format:     int(dec.WavAudioFormat),
	}, nil
}

func decodeHeader(r io.ReadSeeker, path string) (*wav.Decoder, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}
	if dec.NumChans < 1 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: %s is not a wav file", ErrUnsupportedFormat, path)
	}
	return dec, nil
}

// ReadWAV decodes a 16-bit PCM WAV file.
func ReadWAV(path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stream{}, err
	}
	defer f.Close()

	dec, err := decodeHeader(f, path)
	if err != nil {
		return Stream{}, err
	}
	if dec.WavAudioFormat != pcmFormat || dec.BitDepth != BitDepth {
		return Stream{}, fmt.Errorf("%w: need 16-bit pcm, got format=%d depth=%d", ErrUnsupportedFormat, dec.WavAudioFormat, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Stream{}, fmt.Errorf("decode wav: %w", err)
	}
	return Stream{
		Samples:    buf.Data,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// WriteWAV encodes samples as 16-bit PCM into w.
func WriteWAV(w io.WriteSeeker, samples []int, sampleRate, channels int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: BitDepth,
	}
	enc := wav.NewEncoder(w, sampleRate, BitDepth, channels, pcmFormat)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAVFile creates path and writes samples into it.
func WriteWAVFile(path string, samples []int, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, samples, sampleRate, channels); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
