package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldC, oldD := Version, Commit, Date
	defer func() { Version, Commit, Date = oldV, oldC, oldD }()

	Version, Commit, Date = "v0.3.0", "abc1234", "2026-10-19T12:00:00Z"
	if got, want := String(), "v0.3.0 (commit abc1234, built 2026-10-19T12:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if Short() != "v0.3.0" {
		t.Errorf("Short() = %q", Short())
	}
}
