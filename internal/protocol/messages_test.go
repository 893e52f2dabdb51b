package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestAudioEncoding(t *testing.T) {
	req := Request{ID: "abc", Audio: Samples{0, 0.25, -1}, Language: "en", MaxNewTokens: 64}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "0.25") {
		t.Fatalf("expected binary audio encoding, got %s", data)
	}
	var decoded Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Audio) != 3 || decoded.Audio[1] != 0.25 || decoded.Audio[2] != -1 {
		t.Fatalf("unexpected audio %v", decoded.Audio)
	}
	if decoded.LoadOnly() {
		t.Fatal("request with audio is not load-only")
	}
}

func TestLoadOnlyRequestOmitsAudio(t *testing.T) {
	data, err := json.Marshal(Request{ID: "load"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "audio") {
		t.Fatalf("expected audio to be omitted, got %s", data)
	}
	var decoded Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.LoadOnly() {
		t.Fatal("expected load-only request")
	}
}

func TestSamplesRejectMisaligned(t *testing.T) {
	var s Samples
	if err := json.Unmarshal([]byte(`"AAAA"`), &s); err == nil {
		t.Fatal("expected alignment error for 3 bytes")
	}
}
