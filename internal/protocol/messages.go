package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Status tags a worker response.
type Status string

const (
	StatusProgress Status = "progress"
	StatusReady    Status = "ready"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Samples is mono float32 PCM. On the wire it travels as base64 of
// little-endian float32 values.
type Samples []float32

func (s Samples) MarshalJSON() ([]byte, error) {
	raw := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

func (s *Samples) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("sample payload not aligned: %d bytes", len(raw))
	}
	out := make(Samples, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	*s = out
	return nil
}

// Request asks the worker to transcribe Audio. A request without audio only
// loads the model.
type Request struct {
	ID           string  `json:"id"`
	Audio        Samples `json:"audio,omitempty"`
	Language     string  `json:"language,omitempty"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Log          bool    `json:"log,omitempty"`
}

// LoadOnly reports whether the request carries no audio.
func (r Request) LoadOnly() bool { return len(r.Audio) == 0 }

// FileProgress is model file loading telemetry.
type FileProgress struct {
	File     string  `json:"file"`
	Name     string  `json:"name"`
	Status   string  `json:"status"` // initiate, download, progress, done
	Progress float64 `json:"progress,omitempty"`
	Loaded   int64   `json:"loaded,omitempty"`
	Total    int64   `json:"total,omitempty"`
}

// Response is one message from the worker; ID matches the request.
type Response struct {
	ID              string        `json:"id"`
	Status          Status        `json:"status"`
	File            *FileProgress `json:"file,omitempty"`
	Text            string        `json:"text,omitempty"`
	TokensPerSecond float64       `json:"tokens_per_second,omitempty"`
	Error           string        `json:"error,omitempty"`
}

const (
	SubjectASRRequest = "asr.request"
)
