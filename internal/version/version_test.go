package version

import (
	"testing"
)

func withBuild(t *testing.T, v, c, d string) {
	t.Helper()
	prevV, prevC, prevD := version, commit, date
	version, commit, date = v, c, d
	t.Cleanup(func() { version, commit, date = prevV, prevC, prevD })
}

func TestInfo_Defaults(t *testing.T) {
	v, c, d := Info()
	if v != "dev" || c != "unknown" || d != "unknown" {
		t.Fatalf("unexpected defaults: %s %s %s", v, c, d)
	}
	if GetVersion() != v || GetCommit() != c || GetDate() != d {
		t.Fatal("getters must match Info")
	}
}

func TestString(t *testing.T) {
	withBuild(t, "v1.4.0", "3f2a9c1e8b7d", "2030-01-10T09:00:00Z")

	if got, want := String(), "version=v1.4.0 commit=3f2a9c1e8b7d date=2030-01-10T09:00:00Z"; got != want {
		t.Fatalf("String()=%q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		commit  string
		product string
		want    string
	}{
		{name: "release build", commit: "3f2a9c1e8b7d", product: "marketplace-client", want: "marketplace-client/v1.4.0 (3f2a9c1)"},
		{name: "short commit kept", commit: "abc", product: "marketplace-loadtest", want: "marketplace-loadtest/v1.4.0 (abc)"},
		{name: "default product", commit: "unknown", want: "marketplace/v1.4.0 (unknown)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuild(t, "v1.4.0", tt.commit, "2030-01-10")
			if got := UserAgent(tt.product); got != tt.want {
				t.Fatalf("UserAgent()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestFields(t *testing.T) {
	withBuild(t, "v1.4.0", "3f2a9c1e8b7d", "2030-01-10")

	fields := Fields()
	if fields["version"] != "v1.4.0" || fields["commit"] != "3f2a9c1" || fields["built"] != "2030-01-10" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
