package routing

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func mustSources(t *testing.T, files map[string]string) map[string][]Rule {
	t.Helper()
	out := make(map[string][]Rule, len(files))
	for name, text := range files {
		rules, err := ParseSource(text)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		out[name] = rules
	}
	return out
}

func values(rules []Rule) []string {
	var out []string
	for _, r := range rules {
		out = append(out, r.Value)
	}
	return out
}

func TestCompileIncludes(t *testing.T) {
	src := mustSources(t, map[string]string{
		"google": "google.com\nfull:ads.google.com @ads\n",
		"cn":     "baidu.cn\ninclude:google@!ads\n",
		"all":    "include:cn\ninclude:google@ads\nexample.org\n",
	})
	g, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	cn, ok := g.Lookup("cn", nil)
	if !ok {
		t.Fatal("Expected file cn")
	}
	if got, want := values(cn), []string{"baidu.cn", "google.com"}; !reflect.DeepEqual(got, want) {
		t.Errorf("cn: Expected %v, got %v", want, got)
	}

	all, _ := g.Lookup("all", nil)
	if len(all) != 4 {
		t.Errorf("all: Expected 4 rules, got %v", values(all))
	}
	for _, r := range g.Rules {
		if r.Type == RuleInclude {
			t.Errorf("include rule survived compilation: %v", r)
		}
	}

	// google.com appears in three files but is stored once.
	count := 0
	for _, r := range g.Rules {
		if r.Value == "google.com" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected google.com once in the rule table, got %d", count)
	}
}

func TestCompileIdempotent(t *testing.T) {
	src := mustSources(t, map[string]string{
		"a": "include:b\na.com",
		"b": "include:c\nb.com",
		"c": "c.com",
	})
	first, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	second, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Expected identical output for identical input")
	}
}

func TestCompileErrors(t *testing.T) {
	t.Run("missing include", func(t *testing.T) {
		_, err := Compile(mustSources(t, map[string]string{"a": "include:nope"}))
		if !errors.Is(err, ErrIncludeNotFound) {
			t.Errorf("Expected ErrIncludeNotFound, got %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := Compile(mustSources(t, map[string]string{
			"a": "include:b",
			"b": "include:c",
			"c": "include:a",
		}))
		if !errors.Is(err, ErrIncludeCycle) {
			t.Fatalf("Expected ErrIncludeCycle, got %v", err)
		}
		var cycle *IncludeCycleError
		if !errors.As(err, &cycle) {
			t.Fatalf("Expected *IncludeCycleError, got %T", err)
		}
		if want := []string{"a", "b", "c", "a"}; !reflect.DeepEqual(cycle.Chain, want) {
			t.Errorf("Expected chain %v, got %v", want, cycle.Chain)
		}
	})

	t.Run("self include", func(t *testing.T) {
		_, err := Compile(mustSources(t, map[string]string{"a": "include:a"}))
		if !errors.Is(err, ErrIncludeCycle) {
			t.Errorf("Expected ErrIncludeCycle, got %v", err)
		}
	})
}

func TestLoadSourceDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ads"), []byte("# ads\ndoubleclick.net\n\nkeyword:adserver\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	src, err := LoadSourceDir(dir)
	if err != nil {
		t.Fatalf("LoadSourceDir failed: %v", err)
	}
	if len(src) != 1 {
		t.Fatalf("Expected only regular files, got %d entries", len(src))
	}
	if got := values(src["ads"]); !reflect.DeepEqual(got, []string{"doubleclick.net", "adserver"}) {
		t.Errorf("unexpected rules %v", got)
	}
}

func TestPakRoundTrip(t *testing.T) {
	g, err := Compile(mustSources(t, map[string]string{
		"ads":  "doubleclick.net @ads\nregexp:^ad[0-9]+\\.",
		"misc": "full:a.io\ninclude:ads",
	}))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WritePak(&buf, g); err != nil {
		t.Fatalf("WritePak failed: %v", err)
	}
	got, err := ReadPak(&buf)
	if err != nil {
		t.Fatalf("ReadPak failed: %v", err)
	}
	if !reflect.DeepEqual(got, g) {
		t.Errorf("Expected %+v, got %+v", g, got)
	}

	path := filepath.Join(t.TempDir(), "data", "geosite.pak")
	if err := SavePak(path, g); err != nil {
		t.Fatalf("SavePak failed: %v", err)
	}
	if _, err := LoadPak(path); err != nil {
		t.Errorf("LoadPak failed: %v", err)
	}
}

func TestReadPakRejectsGarbage(t *testing.T) {
	if _, err := ReadPak(bytes.NewReader([]byte("not a pak file"))); err == nil {
		t.Error("Expected error for garbage input")
	}
}
