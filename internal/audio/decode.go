package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

type decodeFunc func(data []byte, params map[string]string) (samples []float32, rate int, err error)

var decoders = map[string]decodeFunc{
	"audio/wav":   decodeWAV,
	"audio/x-wav": decodeWAV,
	"audio/wave":  decodeWAV,
	"audio/pcm":   decodePCM16,
	"audio/l16":   decodePCM16,
}

// Supports reports whether Decode understands mimeType.
func Supports(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	_, ok := decoders[strings.ToLower(mediaType)]
	return ok
}

// Decode concatenates the full chunk history and decodes channel 0 into
// samples at sampleRate. The whole history is needed because the container
// header only travels in the first chunk.
func Decode(chunks []Chunk, mimeType string, sampleRate int) (Window, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return Window{}, &DecodeError{MimeType: mimeType, Err: err}
	}
	decode, ok := decoders[strings.ToLower(mediaType)]
	if !ok {
		return Window{}, &DecodeError{MimeType: mimeType, Err: errors.New("unsupported mime type")}
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}

	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c.Data...)
	}

	if params == nil {
		params = map[string]string{}
	}
	if _, ok := params["rate"]; !ok {
		params["rate"] = strconv.Itoa(sampleRate)
	}
	samples, rate, err := decode(data, params)
	if err != nil {
		return Window{}, &DecodeError{MimeType: mimeType, Err: err}
	}
	return Window{Samples: resample(samples, rate, sampleRate)}, nil
}

func decodePCM16(data []byte, params map[string]string) ([]float32, int, error) {
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return nil, 0, fmt.Errorf("invalid rate parameter %q", params["rate"])
	}
	channels := 1
	if v, ok := params["channels"]; ok {
		channels, err = strconv.Atoi(v)
		if err != nil || channels <= 0 {
			return nil, 0, fmt.Errorf("invalid channels parameter %q", v)
		}
	}
	frame := 2 * channels
	frames := len(data) / frame
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*frame:]))
		samples[i] = float32(v) / 32768
	}
	return samples, rate, nil
}

// resample converts by linear interpolation. Output for a given prefix of the
// input does not change as the input grows, which keeps offsets stable across
// decodes of a growing history.
func resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := in[idx]
		s1 := s0
		if idx+1 < len(in) {
			s1 = in[idx+1]
		}
		out[i] = s0 + frac*(s1-s0)
	}
	return out
}
