package audio

import (
	"fmt"
	"time"
)

const (
	// SampleRate is the rate every decoded window is delivered at.
	SampleRate = 16000
	// MaxAudioSeconds bounds a window unless configured otherwise.
	MaxAudioSeconds = 60
	MaxSamples      = SampleRate * MaxAudioSeconds
)

// Chunk is one opaque blob produced by the recorder, in capture order.
type Chunk struct {
	Data []byte
	Seq  int
	At   time.Time
}

// Window is a run of decoded mono samples. Start is the index of Samples[0]
// within the recording stream the window was decoded from.
type Window struct {
	Samples []float32
	Start   int
}

func (w Window) Len() int { return len(w.Samples) }

// End is the index one past the last sample.
func (w Window) End() int { return w.Start + len(w.Samples) }

// Duration reports the window length at the given sample rate.
func (w Window) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(sampleRate)
}

// From drops every sample before the absolute index offset.
func (w Window) From(offset int) Window {
	if offset <= w.Start {
		return w
	}
	if offset >= w.End() {
		return Window{Start: w.End()}
	}
	return Window{Samples: w.Samples[offset-w.Start:], Start: offset}
}

// Crop keeps the most recent maxSamples samples. maxSamples <= 0 disables it.
func Crop(w Window, maxSamples int) Window {
	if maxSamples <= 0 || len(w.Samples) <= maxSamples {
		return w
	}
	drop := len(w.Samples) - maxSamples
	return Window{Samples: w.Samples[drop:], Start: w.Start + drop}
}

// DecodeError reports a chunk history that is not valid audio for its mime type.
type DecodeError struct {
	MimeType string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.MimeType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
