package audio

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Raw PCM as sent by the server for the "raw" codec.
const (
	RawSampleRate = 48000
	RawChannels   = 2
)

// Samples is one decoded chunk. Data is interleaved 16-bit little endian PCM
// for RawDecoder; other decoders document their own layout.
type Samples struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Decoder turns codec frames into PCM. Implementations wrap an external codec
// library; the adapter only feeds bytes and routes the output.
type Decoder interface {
	Decode(chunk []byte) ([]Samples, error)
}

// RawDecoder is the identity decoder of the "raw" codec.
type RawDecoder struct{}

func (RawDecoder) Decode(chunk []byte) ([]Samples, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	return []Samples{{
		Data:       append([]byte(nil), chunk...),
		SampleRate: RawSampleRate,
		Channels:   RawChannels,
	}}, nil
}

// Sink is a local audio output.
type Sink interface {
	Write(s Samples) error
	Close() error
}

// SinkFactory opens the sink for an output device name. An empty name picks
// the default output.
type SinkFactory func(deviceName string) (Sink, error)

// WriterSink writes sample data to an io.WriteCloser, e.g. a file or the
// stdin of a player process.
type WriterSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewWriterSink wraps w.
func NewWriterSink(w io.WriteCloser) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(samples Samples) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(samples.Data)
	return err
}

func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// FileSinkFactory treats the output device name as a file path and appends
// the stream to it. "-" is stdout.
func FileSinkFactory(deviceName string) (Sink, error) {
	if deviceName == "" || deviceName == "-" {
		return NewWriterSink(nopCloser{os.Stdout}), nil
	}
	f, err := os.OpenFile(deviceName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open audio output %s", deviceName)
	}
	return NewWriterSink(f), nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
