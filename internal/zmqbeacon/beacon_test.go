package zmqbeacon

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDefaultEndpointFormat(t *testing.T) {
	got := DefaultEndpoint(17001)
	want := "tcp://*:17001"
	if got != want {
		t.Errorf("DefaultEndpoint(17001) = %q, want %q", got, want)
	}
}

func TestBeatRoundTripsThroughJSON(t *testing.T) {
	beat := Beat{
		Process:   "cyclerd",
		Cyclers:   []string{"Vision", "Behavior"},
		UptimeSec: 12.5,
		SentAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	encoded, err := json.Marshal(beat)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Beat
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Process != beat.Process || len(decoded.Cyclers) != 2 || decoded.UptimeSec != beat.UptimeSec {
		t.Errorf("round-tripped Beat = %+v, want %+v", decoded, beat)
	}
	if !decoded.SentAt.Equal(beat.SentAt) {
		t.Errorf("SentAt = %v, want %v", decoded.SentAt, beat.SentAt)
	}
}
