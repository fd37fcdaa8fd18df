package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	withSettings := func(version string, settings ...debug.BuildSetting) func() (*debug.BuildInfo, bool) {
		return func() (*debug.BuildInfo, bool) {
			bi := &debug.BuildInfo{Settings: settings}
			bi.Main.Version = version
			return bi, true
		}
	}

	tests := []struct {
		name       string
		version    string
		commit     string
		read       func() (*debug.BuildInfo, bool)
		wantVer    string
		wantCommit string
		wantTime   string
	}{
		{
			name:       "no build info",
			version:    "dev",
			commit:     "unknown",
			read:       func() (*debug.BuildInfo, bool) { return nil, false },
			wantVer:    "dev",
			wantCommit: "unknown",
			wantTime:   "unknown",
		},
		{
			name:    "module version and vcs",
			version: "dev",
			commit:  "unknown",
			read: withSettings("v1.2.3",
				debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				debug.BuildSetting{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			),
			wantVer:    "v1.2.3",
			wantCommit: "0123456789ab",
			wantTime:   "2026-01-02T03:04:05Z",
		},
		{
			name:       "devel module keeps dev",
			version:    "dev",
			commit:     "unknown",
			read:       withSettings("(devel)"),
			wantVer:    "dev",
			wantCommit: "unknown",
			wantTime:   "unknown",
		},
		{
			name:       "ldflags win",
			version:    "v9.0.0",
			commit:     "abc123",
			read:       withSettings("v1.2.3", debug.BuildSetting{Key: "vcs.revision", Value: "ffff"}),
			wantVer:    "v9.0.0",
			wantCommit: "abc123",
			wantTime:   "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolve(tt.version, tt.commit, "unknown", tt.read)
			if got.Version != tt.wantVer {
				t.Errorf("Version = %q, want %q", got.Version, tt.wantVer)
			}
			if got.Commit != tt.wantCommit {
				t.Errorf("Commit = %q, want %q", got.Commit, tt.wantCommit)
			}
			if got.BuildTime != tt.wantTime {
				t.Errorf("BuildTime = %q, want %q", got.BuildTime, tt.wantTime)
			}
			if got.GoVersion != runtime.Version() {
				t.Errorf("GoVersion = %q", got.GoVersion)
			}
			if got.Platform != runtime.GOOS+"/"+runtime.GOARCH {
				t.Errorf("Platform = %q", got.Platform)
			}
		})
	}
}

func TestString(t *testing.T) {
	s := String()
	i := Get()
	for _, part := range []string{i.Version, i.Commit, i.GoVersion, i.Platform} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}
