package utils

import "testing"

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"pci_addr", "0000:00:02.0", "0000-00-02-0"},
		{"segment_name", "/tnr-run-1234", "-tnr-run-1234"},
		{"slash", "a/b/c", "a-b-c"},
		{"dot", "1.2.3", "1-2-3"},
		{"mixed", "pci-0000:03:00.0", "pci-0000-03-00-0"},
		{"render_node", "renderD128", "renderD128"},
		{"empty", "", ""},
		{"all_special", ":/.", "---"},
		{"hyphen_passthrough", "already-safe", "already-safe"},
		{"underscore_passthrough", "gpu_algo_", "gpu_algo_"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeName(tc.in)
			if got != tc.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{48, "48 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{4096, "4.0 KiB"},
		{3133440, "3.0 MiB"},
		{1 << 30, "1.0 GiB"},
	}
	for _, tc := range tests {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
