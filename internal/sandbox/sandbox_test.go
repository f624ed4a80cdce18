package sandbox

import (
	"reflect"
	"testing"

	"appforge/internal/models"
)

func TestApplyKeepsDefaultsAndOverrides(t *testing.T) {
	generated := models.FileMap{"/App.js": {Code: "X"}}
	merged := Apply(generated)

	if merged["/App.js"].Code != "X" {
		t.Fatalf("/App.js = %q, want X", merged["/App.js"].Code)
	}
	for path := range DefaultFiles() {
		if _, ok := merged[path]; !ok {
			t.Fatalf("default path %s missing after merge", path)
		}
	}
	if len(merged) != len(DefaultFiles())+1 {
		t.Fatalf("merged has %d files", len(merged))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	generated := models.FileMap{
		"/App.js":              {Code: "X"},
		"/App.css":             {Code: "body {}"},
		"components/Navbar.js": {Code: "nav"},
	}
	once := Apply(generated)
	twice := Merge(once, generated)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge not idempotent:\n%v\n%v", once, twice)
	}
	if once["/App.css"].Code != "body {}" {
		t.Fatalf("overlay did not win on /App.css")
	}
	if _, ok := once["/components/Navbar.js"]; !ok {
		t.Fatalf("relative path not normalized")
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := DefaultFiles()
	base["/index.js"] = models.File{Code: "old"}
	Merge(base, models.FileMap{"/index.js": {Code: "new"}})
	if base["/index.js"].Code != "old" {
		t.Fatalf("base mutated")
	}
	d := DefaultFiles()
	d["/App.css"] = models.File{Code: "changed"}
	if DefaultFiles()["/App.css"].Code == "changed" {
		t.Fatalf("DefaultFiles shares state between calls")
	}
}

func TestApplyCollidingPathsPreferNormalizedKey(t *testing.T) {
	generated := models.FileMap{
		"App.js":   {Code: "relative"},
		"/App.js":  {Code: "absolute"},
		"//App.js": {Code: "double"},
	}
	for i := 0; i < 50; i++ {
		out := Apply(generated)
		if got := out["/App.js"].Code; got != "absolute" {
			t.Fatalf("iteration %d: /App.js = %q, want %q", i, got, "absolute")
		}
		if again := Apply(out); !reflect.DeepEqual(again, out) {
			t.Fatalf("iteration %d: Apply not idempotent on merged output", i)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"App.js":            "/App.js",
		"/App.js":           "/App.js",
		"//a/b.js":          "/a/b.js",
		" components\\x.js": "/components/x.js",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDependenciesIncludeTailwind(t *testing.T) {
	deps := Dependencies()
	if deps["tailwindcss"] == "" || deps["lucide-react"] == "" {
		t.Fatalf("missing core dependencies: %v", deps)
	}
	deps["tailwindcss"] = "x"
	if Dependencies()["tailwindcss"] == "x" {
		t.Fatalf("Dependencies shares state")
	}
}
