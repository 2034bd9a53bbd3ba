package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[key]; !ok {
			t.Errorf("Info() missing key %q", key)
		}
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q, want %q", info["go_version"], runtime.Version())
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "powerstation-simulator "+Version) {
		t.Errorf("String() = %q", s)
	}
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("LogAttrs() has odd length %d", len(attrs))
	}
	if attrs[0] != "version" || attrs[1] != Version {
		t.Errorf("LogAttrs() = %v", attrs)
	}
}
