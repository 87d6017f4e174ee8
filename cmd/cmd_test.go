package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/decision"
	"github.com/kozaktomas/face-attendance/internal/embedding/embeddingtest"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"Identity", "Score"},
		[][]string{{"1 - Alice", "0.912"}, {"2 - Bob"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	for _, want := range []string{"IDENTITY", "SCORE", "1 - Alice", "0.912", "2 - Bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("table is missing %q:\n%s", want, out)
		}
	}
	if got := renderTable(nil, nil, nil); got != "" {
		t.Errorf("expected empty output without headers, got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
		json    bool
	}{
		{"json", config.LogConfig{Format: "json", Level: "info"}, false, true},
		{"text", config.LogConfig{Format: "text", Level: "debug"}, false, false},
		{"auto on a buffer", config.LogConfig{Level: "warn"}, false, true},
		{"bad format", config.LogConfig{Format: "xml"}, true, false},
		{"bad level", config.LogConfig{Format: "json", Level: "loud"}, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(tc.cfg, &buf)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newLogger failed: %v", err)
			}
			logger.Error("hello", "k", "v")
			if got := strings.HasPrefix(buf.String(), "{"); got != tc.json {
				t.Errorf("json output = %v, want %v: %q", got, tc.json, buf.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestTerminalConfirmer(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"y", true}, // no trailing newline before EOF
		{"", false},
	}

	cand := attendance.Candidate{Label: "1 - Alice", Confidence: 0.47}
	for _, tc := range tests {
		t.Run(strings.TrimSpace(tc.input), func(t *testing.T) {
			var out bytes.Buffer
			c := newTerminalConfirmer(strings.NewReader(tc.input), &out)
			got, err := c.Confirm(context.Background(), cand)
			if err != nil {
				t.Fatalf("Confirm failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Confirm = %v, want %v", got, tc.want)
			}
			if !strings.Contains(out.String(), "Is this 1 - Alice? (confidence 47%)") {
				t.Errorf("unexpected prompt %q", out.String())
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTerminalConfirmer(strings.NewReader("y\n"), &bytes.Buffer{}).Confirm(ctx, cand); err == nil {
		t.Error("expected the context error")
	}
}

func TestTerminalConfirmer_CancelWhileWaiting(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := newTerminalConfirmer(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Confirm(ctx, attendance.Candidate{ProfileID: "1_Alice", Label: "1 - Alice"})
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm did not return after cancellation")
	}

	// the pending line is still delivered to the next question
	go func() { _, _ = io.WriteString(pw, "y\n") }()
	ok, err := c.Confirm(context.Background(), attendance.Candidate{ProfileID: "2_Bob", Label: "2 - Bob"})
	if err != nil || !ok {
		t.Errorf("Confirm = %v, %v; want true", ok, err)
	}
}

func TestTerminalConfirmer_RemembersDeclined(t *testing.T) {
	var out bytes.Buffer
	c := newTerminalConfirmer(strings.NewReader("n\ny\n"), &out)
	alice := attendance.Candidate{ProfileID: "1_Alice", Label: "1 - Alice"}
	bob := attendance.Candidate{ProfileID: "2_Bob", Label: "2 - Bob"}
	ctx := context.Background()

	if ok, err := c.Confirm(ctx, alice); err != nil || ok {
		t.Fatalf("first answer should decline, got %v, %v", ok, err)
	}
	if ok, err := c.Confirm(ctx, alice); err != nil || ok {
		t.Fatalf("declined candidate should stay declined, got %v, %v", ok, err)
	}
	if ok, err := c.Confirm(ctx, bob); err != nil || !ok {
		t.Fatalf("next candidate should get the next answer, got %v, %v", ok, err)
	}
	if n := strings.Count(out.String(), "Is this 1 - Alice?"); n != 1 {
		t.Errorf("Alice was asked %d times, want 1", n)
	}
}

func TestMarksTable(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	marks := []attendance.Mark{
		{Label: "3 - Carol", Status: attendance.StatusLate, MarkedAt: start.Add(20 * time.Minute)},
		{Label: "1 - Alice", Status: attendance.StatusPresent, MarkedAt: start.Add(time.Minute)},
		{Label: "2 - Bob", Status: attendance.StatusPresent, MarkedAt: start.Add(5 * time.Minute)},
	}

	out := marksTable(marks)
	alice := strings.Index(out, "1 - Alice")
	bob := strings.Index(out, "2 - Bob")
	carol := strings.Index(out, "3 - Carol")
	if alice < 0 || bob < alice || carol < bob {
		t.Errorf("marks not in time order:\n%s", out)
	}
	if marks[0].Label != "3 - Carol" {
		t.Error("the caller's slice must not be reordered")
	}
	if got := marksTable(nil); got != "No attendance marked" {
		t.Errorf("unexpected empty output %q", got)
	}
}

func TestFormatOutcome(t *testing.T) {
	accepted := recognition.Outcome{
		Accepted:    true,
		DisplayText: "Alice",
		Confidence:  0.834,
		Decision:    decision.Decision{Rule: decision.RuleStrong},
	}
	if got, want := formatOutcome(accepted), "Alice  confidence 83%  strong"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	rejected := recognition.Outcome{DisplayText: "unknown", Decision: decision.Rejected("No profiles available")}
	if got, want := formatOutcome(rejected), "unknown (No profiles available)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindProfile(t *testing.T) {
	root := embeddingtest.WriteClusters(t, embeddingtest.Dim, 4, "1_Alice", "2_Bob")
	store := profile.NewStore(profile.Options{
		Dim:      embeddingtest.Dim,
		Tunables: config.DefaultTunables().Profile,
		Logger:   slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	snap, err := store.Reload(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}

	bob := -1
	for i, p := range snap.Profiles() {
		if p.ID == "2_Bob" {
			bob = i
		}
	}

	tests := []struct {
		ref     string
		want    int
		wantErr bool
	}{
		{"2_Bob", bob, false},
		{"2 - bob", bob, false},
		{"1", 1, false},
		{"7", 0, true},
		{"Carol", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.ref, func(t *testing.T) {
			got, err := findProfile(snap, tc.ref)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("findProfile(%q) = %d, %v; want %d", tc.ref, got, err, tc.want)
			}
		})
	}
}
