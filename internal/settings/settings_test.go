package settings

import (
	"path/filepath"
	"testing"
)

func TestApplyDefaultsBoolsRespectFalse(t *testing.T) {
	// explicit false should remain false
	oidc := false
	probe := false
	s := Settings{
		DefaultPerPage:   10,
		MaxPerPage:       50,
		ProbeIntervalSec: 60,
		OIDCEnabled:      &oidc,
		ProbeEnabled:     &probe,
	}
	out := ApplyDefaults(s)
	if out.DefaultPerPage != 10 || out.MaxPerPage != 50 || out.ProbeIntervalSec != 60 {
		t.Fatalf("unexpected defaults override on provided fields: %+v", out)
	}
	if BoolValue(out.OIDCEnabled, true) != false || BoolValue(out.ProbeEnabled, false) != false {
		t.Fatalf("expected explicit false to persist: %+v", out)
	}
}

func TestApplyDefaultsSetsMissing(t *testing.T) {
	out := ApplyDefaults(Settings{})
	if out.DefaultPerPage != 20 || out.MaxPerPage != 100 {
		t.Fatalf("expected pagination defaults: %+v", out)
	}
	if !BoolValue(out.OIDCEnabled, false) {
		t.Fatalf("expected OIDC enabled by default: %+v", out)
	}
	if BoolValue(out.ProbeEnabled, true) {
		t.Fatalf("expected prober disabled by default: %+v", out)
	}
	if out.ProbeIntervalSec == 0 {
		t.Fatalf("expected probe interval default to be set: %+v", out)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.json")
	in := Settings{DefaultPerPage: 25, RegistryURL: "https://islands.example.com"}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out := Load(path)
	if out.DefaultPerPage != 25 || out.RegistryURL != "https://islands.example.com" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.MaxPerPage != 100 {
		t.Fatalf("expected defaults applied on load: %+v", out)
	}
}
