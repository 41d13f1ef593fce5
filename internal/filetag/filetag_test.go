package filetag

import (
	"testing"

	"github.com/k8ika0s/island-registry/internal/platform"
)

// Filenames round-trip through build and parse.
func TestBuildParseRoundTrip(t *testing.T) {
	cases := []struct {
		name, version string
		tag           platform.Tag
	}{
		{"My-Game", "1.0.0", platform.Universal},
		{"scipy thing", "2.3.4", platform.Tag{Python: "cp311", ABI: "cp311", Platform: "manylinux_2_17_x86_64"}},
	}
	for _, c := range cases {
		fn, err := BuildFilename(c.name, c.version, c.tag)
		if err != nil {
			t.Fatalf("BuildFilename: %v", err)
		}
		parsed, err := ParseFilename(fn)
		if err != nil {
			t.Fatalf("ParseFilename(%q): %v", fn, err)
		}
		wantName, _ := NormalizeName(c.name)
		if parsed.Name != wantName {
			t.Errorf("name = %q, want %q", parsed.Name, wantName)
		}
		if parsed.Version != NormalizeVersion(c.version) {
			t.Errorf("version = %q, want %q", parsed.Version, NormalizeVersion(c.version))
		}
		if parsed.Tag != c.tag {
			t.Errorf("tag = %v, want %v", parsed.Tag, c.tag)
		}
	}
}

func TestNormalizeNameCollapsesRuns(t *testing.T) {
	got, err := NormalizeName("My--Cool...Game  Name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "my_cool_game_name"
	if got != want {
		t.Errorf("NormalizeName = %q, want %q", got, want)
	}
}

func TestNormalizeNameRejectsInvalid(t *testing.T) {
	if _, err := NormalizeName("-leading-dash"); err == nil {
		t.Fatal("expected error for name starting with a collapsible character")
	}
}

func TestParseFilenameRejectsMalformed(t *testing.T) {
	if _, err := ParseFilename("not-a-valid-name.island"); err == nil {
		t.Fatal("expected error for malformed filename")
	}
}

func TestSourceFilenameRoundTrip(t *testing.T) {
	fn, err := BuildSourceFilename("My Game", "1.2.3")
	if err != nil {
		t.Fatalf("BuildSourceFilename: %v", err)
	}
	parsed, err := ParseSourceFilename(fn)
	if err != nil {
		t.Fatalf("ParseSourceFilename: %v", err)
	}
	if parsed.Name != "my_game" || parsed.Version != "1.2.3" {
		t.Errorf("got %+v", parsed)
	}
}
