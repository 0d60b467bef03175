package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/localagent/localagent/internal/events"
)

func TestLoadConfigValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp_servers.json")

	good := `{"schema_version":"localagent.mcp_servers.v1","servers":{"fs":{"command":"/bin/fs-server"}}}`
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Servers["fs"].Command != "/bin/fs-server" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	cases := []string{
		`{"schema_version":"other.v9","servers":{}}`,
		`{"schema_version":"localagent.mcp_servers.v1","servers":{"fs":{"command":""}}}`,
		`not json`,
	}
	for i, body := range cases {
		bad := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(bad, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(bad); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestCheckPin(t *testing.T) {
	reg := &Registry{catalogHash: "aaa", sink: events.NullSink{}}

	if err := reg.CheckPin(Pin{Mode: PinOff, CatalogHash: "bbb"}); err != nil {
		t.Errorf("off mode must ignore drift: %v", err)
	}
	if err := reg.CheckPin(Pin{Mode: PinWarn, CatalogHash: "bbb"}); err != nil {
		t.Errorf("warn mode must proceed: %v", err)
	}
	if err := reg.CheckPin(Pin{Mode: PinHard, CatalogHash: "aaa"}); err != nil {
		t.Errorf("matching pin must pass: %v", err)
	}
	err := reg.CheckPin(Pin{Mode: PinHard, CatalogHash: "bbb"})
	if err == nil {
		t.Fatal("hard mode must refuse drift")
	}
	if _, ok := err.(*DriftError); !ok {
		t.Errorf("expected *DriftError, got %T", err)
	}
}

func TestCatalogHashCoversNameAndSchema(t *testing.T) {
	mk := func(schema map[string]any) *Registry {
		return &Registry{imported: []ImportedTool{{Name: "mcp.fs.read", Schema: schema}}}
	}
	a, err := mk(map[string]any{"type": "object"}).computeCatalogHash()
	if err != nil {
		t.Fatal(err)
	}
	b, err := mk(map[string]any{"type": "object"}).computeCatalogHash()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical catalogs must hash identically")
	}
	c, err := mk(map[string]any{
		"type":       "object",
		"properties": map[string]any{"uri": map[string]any{"type": "string"}},
	}).computeCatalogHash()
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("schema change must change the hash")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
}

func TestDefinitionsFollowCatalogOrder(t *testing.T) {
	reg := &Registry{imported: []ImportedTool{
		{Name: "mcp.fs.list", Description: "list", Schema: map[string]any{"type": "object"}},
		{Name: "mcp.fs.read", Description: "read", Schema: map[string]any{"type": "object"}},
	}}
	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions", len(defs))
	}
	if defs[0].Function.Name != "mcp.fs.list" || defs[1].Function.Name != "mcp.fs.read" {
		t.Errorf("order not preserved: %s, %s", defs[0].Function.Name, defs[1].Function.Name)
	}
}
