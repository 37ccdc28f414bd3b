package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
	"github.com/voglster/lumbergh-sub000/internal/stream"
)

func TestSplitDetach(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantData   string
		wantDetach bool
	}{
		{"plain input", "ls -la\r", "ls -la\r", false},
		{"detach alone", "\x1d", "", true},
		{"input before detach", "exit\r\x1d", "exit\r", true},
		{"input after detach is dropped", "a\x1db", "a", true},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, detach := splitDetach([]byte(tt.in))
			if string(data) != tt.wantData || detach != tt.wantDetach {
				t.Errorf("splitDetach(%q) = %q, %v; want %q, %v", tt.in, data, detach, tt.wantData, tt.wantDetach)
			}
		})
	}
}

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name   string
		status stream.Status
		want   string
	}{
		{"open", stream.Status{State: stream.StateOpen}, "attached to work"},
		{"reconnecting", stream.Status{State: stream.StateReconnecting}, "reconnecting"},
		{"reconnecting with cause", stream.Status{State: stream.StateReconnecting, LastError: errors.New("reset by peer")}, "reset by peer"},
		{"dead with message", stream.Status{State: stream.StateDead, SessionDeadMessage: "session work exited with code 0"}, "exited with code 0"},
		{"dead without message", stream.Status{State: stream.StateDead}, "session ended"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusLine("work", tt.status); !strings.Contains(got, tt.want) {
				t.Errorf("statusLine = %q, want it to contain %q", got, tt.want)
			}
		})
	}

	if got := statusLine("work", stream.Status{State: stream.StateConnecting}); got != "" {
		t.Errorf("connecting banner = %q, want none", got)
	}
}

func TestIdleTitle(t *testing.T) {
	if got := idleTitle("work", protocol.IdleIdle); got != "work: waiting for input" {
		t.Errorf("idle title = %q", got)
	}
	if got := idleTitle("work", protocol.IdleUnknown); got != "work" {
		t.Errorf("unknown title = %q", got)
	}
}
