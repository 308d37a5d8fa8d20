package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseSessionType(t *testing.T) {
	tests := []struct {
		input  string
		want   SessionType
		wantOK bool
	}{
		{input: "video", want: SessionTypeVideo, wantOK: true},
		{input: " AUDIO ", want: SessionTypeAudio, wantOK: true},
		{input: "Chat", want: SessionTypeChat, wantOK: true},
		{input: "phone", wantOK: false},
		{input: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseSessionType(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("expected (%q, %t), got (%q, %t)", tt.want, tt.wantOK, got, ok)
			}
		})
	}
}

func TestElapsedSecondsFloorsPartialSeconds(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(125*time.Second + 999*time.Millisecond)

	if got := ElapsedSeconds(&start, end); got != 125 {
		t.Fatalf("expected 125 seconds, got %d", got)
	}
	if got := ElapsedSeconds(nil, end); got != 0 {
		t.Fatalf("expected 0 seconds without a start time, got %d", got)
	}
}

func TestSessionParticipants(t *testing.T) {
	s := &Session{ClientID: uuid.New(), ReaderID: uuid.New()}

	if !s.HasParticipant(s.ClientID) || !s.HasParticipant(s.ReaderID) {
		t.Fatal("expected client and reader to be participants")
	}
	if s.HasParticipant(uuid.New()) || s.HasParticipant(uuid.Nil) {
		t.Fatal("did not expect outsiders to be participants")
	}
	if s.Counterpart(s.ClientID) != s.ReaderID || s.Counterpart(s.ReaderID) != s.ClientID {
		t.Fatal("expected counterpart to be the other participant")
	}
}

func TestFormatAndParseAmount(t *testing.T) {
	if got := FormatCents(250); got != "$2.50" {
		t.Fatalf("expected $2.50, got %s", got)
	}
	if got := FormatCents(0); got != "$0.00" {
		t.Fatalf("expected $0.00, got %s", got)
	}

	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "15", want: 1500},
		{input: "2.5", want: 250},
		{input: "$3.99", want: 399},
		{input: "0.001", wantErr: true},
		{input: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("expected %d cents for %q, got %d", tt.want, tt.input, got)
		}
	}
}
