package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/mutable/manifest"
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

func paramProgram(t *testing.T) *program.Program {
	t.Helper()
	b := program.NewBuilder()
	b.Parameter(program.ParamDesc{Name: "on", Type: program.ParamBool})
	b.Parameter(program.ParamDesc{Name: "count", Type: program.ParamInt})
	b.Parameter(program.ParamDesc{Name: "weight", Type: program.ParamFloat})
	b.Parameter(program.ParamDesc{Name: "tint", Type: program.ParamColour})
	b.Parameter(program.ParamDesc{Name: "label", Type: program.ParamString})
	b.Parameter(program.ParamDesc{Name: "decal", Type: program.ParamImage})
	b.Parameter(program.ParamDesc{Name: "pose", Type: program.ParamMatrix})
	img := b.PlainImage(resource.Color{1, 1, 1, 1}, 4, resource.FormatRGBA8)
	b.State(program.State{Name: "default", Root: b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: img})})
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

func TestParseParams(t *testing.T) {
	p := paramProgram(t)
	ps, err := parseParams(p, []string{"on=true", "count=-3", "weight=0.5", "tint=1,0.5,0", "label=a=b", "decal=12"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if !ps.GetBoolValue(0, nil) {
		t.Error("on: got false, want true")
	}
	if got := ps.GetIntValue(1, nil); got != -3 {
		t.Errorf("count: got %d, want -3", got)
	}
	if got := ps.GetFloatValue(2, nil); got != 0.5 {
		t.Errorf("weight: got %v, want 0.5", got)
	}
	if diff := cmp.Diff(resource.Color{1, 0.5, 0, 1}, ps.GetColourValue(3, nil)); diff != "" {
		t.Errorf("tint (-want +got):\n%s", diff)
	}
	if got := ps.GetStringValue(4, nil); got != "a=b" {
		t.Errorf("label: got %q, want %q", got, "a=b")
	}
	if got := ps.GetImageValue(5, nil); got != 12 {
		t.Errorf("decal: got %d, want 12", got)
	}
}

func TestParseParamsErrors(t *testing.T) {
	p := paramProgram(t)
	for _, a := range []string{"missing=1", "on=maybe", "count=1.5", "tint=1,2", "decal=-1", "pose=1"} {
		if _, err := parseParams(p, []string{a}); err == nil {
			t.Errorf("parseParams(%q): expected an error", a)
		}
	}
}

func TestParamFlags(t *testing.T) {
	var f paramFlags
	if err := f.Set("novalue"); err == nil {
		t.Error("Set without '=': expected an error")
	}
	if err := f.Set("a=1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if f.String() != "a=1" {
		t.Errorf("String: got %q, want %q", f.String(), "a=1")
	}
}

func TestLoadModelByNameAndPath(t *testing.T) {
	dir := t.TempDir()
	model := program.NewModel("original", paramProgram(t))
	data, err := program.MarshalModel(model, nil)
	if err != nil {
		t.Fatalf("MarshalModel: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "thing.mcbor"), data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte("[models]\nthing = { path = \"thing.mcbor\" }\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}

	byName, _, err := loadModel(m, "thing")
	if err != nil {
		t.Fatalf("loadModel by name: %v", err)
	}
	if byName.Name != "thing" {
		t.Errorf("name: got %q, want thing", byName.Name)
	}
	byPath, _, err := loadModel(m, filepath.Join(dir, "thing.mcbor"))
	if err != nil {
		t.Fatalf("loadModel by path: %v", err)
	}
	if byPath.Name != "original" {
		t.Errorf("name: got %q, want original", byPath.Name)
	}
	if _, _, err := loadModel(m, "nothing"); err == nil {
		t.Error("loadModel of an unknown model: expected an error")
	}
}
