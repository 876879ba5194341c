package version

import (
	"strings"
	"testing"
)

func TestGetFullVersion(t *testing.T) {
	oldCommit := GitCommit
	defer func() { GitCommit = oldCommit }()

	GitCommit = "0123456789abcdef"
	if got := GetFullVersion(); !strings.HasPrefix(got, Version+"-0123456") {
		t.Errorf("GetFullVersion() = %q", got)
	}
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo("freqresp")

	for _, want := range []string{"freqresp version " + Version, "Scope driver: ", "Go: go", "Platform: "} {
		if !strings.Contains(info, want) {
			t.Errorf("version info %q lacks %q", info, want)
		}
	}
}
