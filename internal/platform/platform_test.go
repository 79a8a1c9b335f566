package platform

import "testing"

func TestNodeKey(t *testing.T) {
	tests := []struct {
		p    Platform
		want string
	}{
		{Platform{OS: "linux", Arch: "amd64"}, "linux-x64"},
		{Platform{OS: "darwin", Arch: "arm64"}, "darwin-arm64"},
		{Platform{OS: "windows", Arch: "amd64"}, "win-x64"},
		{Platform{OS: "linux", Arch: "arm"}, "linux-armv7l"},
	}
	for _, tt := range tests {
		got, err := tt.p.NodeKey()
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.p.OS, tt.p.Arch, err)
		}
		if got != tt.want {
			t.Errorf("%s/%s: expected %s, got %s", tt.p.OS, tt.p.Arch, tt.want, got)
		}
	}

	if _, err := (Platform{OS: "plan9", Arch: "amd64"}).NodeKey(); err == nil {
		t.Fatal("expected an error for an unsupported platform")
	}
}

func TestKey(t *testing.T) {
	if got := (Platform{OS: "linux", Arch: "arm64"}).Key(); got != "linux-arm64" {
		t.Fatalf("expected linux-arm64, got %s", got)
	}
}
