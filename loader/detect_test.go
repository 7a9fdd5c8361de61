package loader

import "testing"

func TestDetectFormat_ByExtension(t *testing.T) {
	cases := map[string]Format{
		"tools.json": FormatJSON,
		"tools.YAML": FormatYAML,
		"tools.yml":  FormatYAML,
		"tools.toml": FormatTOML,
	}
	for path, want := range cases {
		if got := DetectFormat([]byte("tools: []"), path); got != want {
			t.Errorf("DetectFormat(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestDetectFormat_SniffsContent(t *testing.T) {
	if got := DetectFormat([]byte("  \n{\"tools\": []}"), "tools"); got != FormatJSON {
		t.Errorf("object sniff = %q, want json", got)
	}
	if got := DetectFormat([]byte("[]"), ""); got != FormatJSON {
		t.Errorf("array sniff = %q, want json", got)
	}
	if got := DetectFormat([]byte("tools:\n  - name: a"), "tools.conf"); got != FormatYAML {
		t.Errorf("yaml sniff = %q, want yaml", got)
	}
}
