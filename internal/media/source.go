package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const frameDuration = 20 * time.Millisecond

var errSourceClosed = errors.New("media: source closed")

// Capturer opens the local audio capture device. Open may block while the
// device is being prepared and should honor ctx.
type Capturer interface {
	Open(ctx context.Context) (Source, error)
}

// Source yields Opus samples in real time. ReadSample blocks until the next
// sample is due; Close unblocks it.
type Source interface {
	ReadSample() (pmedia.Sample, error)
	Close() error
}

// ---------------------------------------------------------------------------
// Silence
// ---------------------------------------------------------------------------

// SilenceCapturer produces 20 ms Opus silence frames. It stands in for a
// microphone on hosts without one.
type SilenceCapturer struct{}

// Open returns a paced silence source.
func (SilenceCapturer) Open(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &silenceSource{
		ticker: time.NewTicker(frameDuration),
		done:   make(chan struct{}),
	}, nil
}

type silenceSource struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (s *silenceSource) ReadSample() (pmedia.Sample, error) {
	select {
	case <-s.ticker.C:
		return pmedia.Sample{Data: opusSilence, Duration: frameDuration}, nil
	case <-s.done:
		return pmedia.Sample{}, errSourceClosed
	}
}

func (s *silenceSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Ogg/Opus file
// ---------------------------------------------------------------------------

// OggFileCapturer plays an Ogg/Opus file as if it were the microphone,
// looping at end of file.
type OggFileCapturer struct {
	Path string
}

// Open opens and validates the file. A missing file is DeviceUnavailable, an
// unreadable one PermissionDenied.
func (c OggFileCapturer) Open(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.Path)
	if err != nil {
		return nil, err
	}

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not Ogg/Opus: %w", ErrDeviceUnavailable, c.Path, err)
	}

	return &oggSource{
		file:   f,
		reader: reader,
		done:   make(chan struct{}),
	}, nil
}

type oggSource struct {
	file   *os.File
	reader *oggreader.OggReader

	lastGranule uint64
	done        chan struct{}
	once        sync.Once
}

func (s *oggSource) ReadSample() (pmedia.Sample, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if err := s.rewind(); err != nil {
				return pmedia.Sample{}, err
			}
			continue
		}
		if err != nil {
			return pmedia.Sample{}, err
		}

		// Pages without audio (tags) carry no granule advance.
		if header.GranulePosition <= s.lastGranule {
			s.lastGranule = header.GranulePosition
			continue
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / 48000 * float64(time.Second))

		timer := time.NewTimer(duration)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return pmedia.Sample{}, errSourceClosed
		}

		return pmedia.Sample{Data: page, Duration: duration}, nil
	}
}

func (s *oggSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return err
	}
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.file.Close()
	})
	return err
}
