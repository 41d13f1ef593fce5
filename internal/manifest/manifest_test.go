package manifest

import "testing"

const validJSON = `{
  "game": "My Game",
  "version": 7,
  "compatible_version": 7,
  "entry_points": {"ap-island": {"my_game": "my_game.world:MyWorld"}},
  "custom_tool_field": "kept"
}`

func TestParseAndValidateOK(t *testing.T) {
	m, err := Parse([]byte(validJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if errs := Validate(m); len(errs) != 0 {
		t.Fatalf("expected valid manifest, got errors: %v", errs)
	}
	if _, ok := m.Extra["custom_tool_field"]; !ok {
		t.Error("expected unknown key to be preserved in Extra")
	}
}

func TestApplyDefaults(t *testing.T) {
	m := Manifest{Game: "G", EntryPoints: EntryPoints{ApIsland: map[string]string{"a": "a.b:C"}}}
	m = ApplyDefaults(m)
	if m.Version != SchemaVersion || m.CompatibleVersion != SchemaVersion {
		t.Errorf("defaults not applied: %+v", m)
	}
}

func TestValidateCatchesMissingEntryPoint(t *testing.T) {
	m := Manifest{Game: "G", Version: 7, CompatibleVersion: 7}
	errs := Validate(m)
	found := false
	for _, e := range errs {
		if e.Field == "entry_points.ap-island" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing-entry-point error, got %v", errs)
	}
}

func TestValidateRejectsBadEntryPointFormat(t *testing.T) {
	m := Manifest{
		Game: "G", Version: 7, CompatibleVersion: 7,
		EntryPoints: EntryPoints{ApIsland: map[string]string{"bad": "not a valid target"}},
	}
	errs := Validate(m)
	if len(errs) == 0 {
		t.Fatal("expected a validation error for malformed entry point")
	}
}

func TestValidateRejectsBadCompatibleVersion(t *testing.T) {
	m := Manifest{
		Game: "G", Version: 7, CompatibleVersion: 2,
		EntryPoints: EntryPoints{ApIsland: map[string]string{"a": "a.b:C"}},
	}
	errs := Validate(m)
	found := false
	for _, e := range errs {
		if e.Field == "compatible_version" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected compatible_version error, got %v", errs)
	}
}
