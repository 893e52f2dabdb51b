package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var errIncompleteHeader = errors.New("incomplete wav header")

// decodeWAV decodes integer PCM WAV. Recorders that stream to a pipe cannot
// seek back to fill in chunk sizes, so the RIFF and data sizes are rewritten
// to match the bytes actually present before decoding.
func decodeWAV(data []byte, _ map[string]string) ([]float32, int, error) {
	fixed, pcmBytes, err := fixStreamHeader(data)
	if err != nil {
		return nil, 0, err
	}

	dec := wav.NewDecoder(bytes.NewReader(fixed))
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, 0, fmt.Errorf("invalid wav: %w", err)
		}
		return nil, 0, errors.New("invalid wav")
	}
	if dec.WavAudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav format %d", dec.WavAudioFormat)
	}
	rate := int(dec.SampleRate)
	if pcmBytes == 0 {
		return nil, rate, nil
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	scale := float32(math.Ldexp(1, int(dec.BitDepth)-1))
	samples := make([]float32, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		v := buf.Data[i]
		if dec.BitDepth == 8 {
			v -= 128
		}
		samples = append(samples, float32(v)/scale)
	}
	return samples, rate, nil
}

// fixStreamHeader returns a copy of data with consistent sizes and the number
// of whole-frame PCM bytes available.
func fixStreamHeader(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, errIncompleteHeader
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("missing RIFF/WAVE signature")
	}
	out := append([]byte(nil), data...)
	blockAlign := 0
	off := 12
	for off+8 <= len(out) {
		id := string(out[off : off+4])
		size := int(binary.LittleEndian.Uint32(out[off+4:]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+16 > len(out) {
				return nil, 0, errIncompleteHeader
			}
			channels := int(binary.LittleEndian.Uint16(out[body+2:]))
			blockAlign = int(binary.LittleEndian.Uint16(out[body+12:]))
			bits := int(binary.LittleEndian.Uint16(out[body+14:]))
			if blockAlign == 0 {
				blockAlign = channels * ((bits + 7) / 8)
			}
			if blockAlign == 0 {
				return nil, 0, errors.New("invalid fmt chunk")
			}
		case "data":
			if blockAlign == 0 {
				return nil, 0, errors.New("data chunk before fmt chunk")
			}
			avail := len(out) - body
			avail -= avail % blockAlign
			if size == 0 || size > avail {
				size = avail
			}
			binary.LittleEndian.PutUint32(out[off+4:], uint32(size))
			out = out[:body+size]
			binary.LittleEndian.PutUint32(out[4:], uint32(len(out)-8))
			return out, size, nil
		}
		next := body + size + size&1
		if next > len(out) {
			return nil, 0, errIncompleteHeader
		}
		off = next
	}
	return nil, 0, errIncompleteHeader
}

// EncodeWAV writes mono samples as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		data[i] = int(v)
	}
	buffer.Data = data

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
