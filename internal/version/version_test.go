package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	switch {
	case v == "":
		t.Error("version should not be empty")
	case c == "":
		t.Error("commit should not be empty")
	case d == "":
		t.Error("date should not be empty")
	}
}

func TestInfo_LdflagsWin(t *testing.T) {
	prevVersion, prevCommit, prevDate := version, commit, date
	t.Cleanup(func() { version, commit, date = prevVersion, prevCommit, prevDate })

	version, commit, date = "1.2.3", "abc123", "2026-10-01"
	v, c, d := Info()
	if v != "1.2.3" || c != "abc123" || d != "2026-10-01" {
		t.Fatalf("unexpected info: %s %s %s", v, c, d)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, part := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(s, part) {
			t.Errorf("String should contain %q, got %q", part, s)
		}
	}
}

func TestUserAgent(t *testing.T) {
	prev := version
	t.Cleanup(func() { version = prev })

	version = "0.9.0"
	if got := UserAgent(); got != "pps/0.9.0" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestFields(t *testing.T) {
	fields := Fields()
	for _, key := range []string{"version", "commit", "date"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("expected field %q", key)
		}
	}
}
