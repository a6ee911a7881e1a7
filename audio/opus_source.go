package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// decodeBufferSize holds one decoded Opus frame. 1920 samples covers a
// 40ms frame at 48kHz; the buffer is sized in bytes (int16 samples).
const decodeBufferSize = 1920 * 2

// PayloadReader yields successive encoded audio payloads from a remote
// track. Implementations return io.EOF (or any other error) when the
// track ends.
type PayloadReader interface {
	ReadPayload() ([]byte, error)
}

// OpusLevelSource decodes remote Opus payloads into PCM and feeds a
// LevelMonitor. One source serves one remote audio track; create a new
// source when the remote stream is replaced.
type OpusLevelSource struct {
	monitor *LevelMonitor

	mu      sync.Mutex
	decoder opus.Decoder
	output  []byte
	running bool
}

// NewOpusLevelSource creates a source feeding the given monitor.
func NewOpusLevelSource(monitor *LevelMonitor) (*OpusLevelSource, error) {
	if monitor == nil {
		return nil, errors.New("level monitor cannot be nil")
	}
	return &OpusLevelSource{
		monitor: monitor,
		decoder: opus.NewDecoder(),
		output:  make([]byte, decodeBufferSize),
	}, nil
}

// Run consumes payloads from the reader until it errors, decoding each
// into PCM and pushing the window into the monitor. Returns nil on clean
// end of stream (io.EOF), the reader error otherwise. Undecodable
// payloads are skipped.
func (s *OpusLevelSource) Run(reader PayloadReader) error {
	if reader == nil {
		return errors.New("payload reader cannot be nil")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("level source is already running")
	}
	s.running = true
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
	}).Debug("Opus level source started")

	for {
		payload, err := reader.ReadPayload()
		if err != nil {
			s.monitor.Reset()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read audio payload: %w", err)
		}
		if len(payload) == 0 {
			continue
		}

		pcm, err := s.decodePayload(payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Run",
				"payload_size": len(payload),
				"error":        err.Error(),
			}).Debug("Skipping undecodable audio payload")
			continue
		}
		s.monitor.Push(pcm)
	}
}

// decodePayload decodes one Opus payload into little-endian int16 PCM.
func (s *OpusLevelSource) decodePayload(payload []byte) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bandwidth, isStereo, err := s.decoder.Decode(payload, s.output)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	_ = bandwidth

	sampleCount := len(s.output) / 2
	if isStereo {
		sampleCount = sampleCount / 2
	}
	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		pcm[i] = int16(s.output[i*2]) | int16(s.output[i*2+1])<<8
	}
	return pcm, nil
}
