package version

import (
	"strings"
	"testing"
	"time"
)

func TestPseudoVersion(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)
	v := vcsInfo{revision: "0123456789abcdef", at: at, modified: true}
	if got := v.pseudo(); got != "v0.0.0-20250607080910-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if (vcsInfo{revision: "abc"}).pseudo() != "" {
		t.Fatal("pseudo version without a timestamp must be empty")
	}
}

func TestReadFillsRuntimeFields(t *testing.T) {
	t.Parallel()
	info := Read()
	if info.Version == "" || info.Module == "" || info.Go == "" {
		t.Fatalf("incomplete info: %+v", info)
	}
	if !strings.Contains(info.String(), info.Version) {
		t.Fatalf("String() does not mention the version: %s", info)
	}
}
