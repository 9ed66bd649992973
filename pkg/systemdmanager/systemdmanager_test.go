package systemdmanager

import (
	"errors"
	"testing"
)

func TestUnitName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"nginx", "nginx.service"},
		{" nginx ", "nginx.service"},
		{"nginx.service", "nginx.service"},
		{"backup.timer", "backup.timer"},
		{"getty@tty1", "getty@tty1.service"},
		{"data-disk.mount", "data-disk.mount"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := UnitName(tt.in); got != tt.want {
			t.Errorf("UnitName(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsNoSuchUnitErr(t *testing.T) {
	if isNoSuchUnitErr(nil) {
		t.Fatalf("nil is not a missing unit")
	}
	if !isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit foo.service not loaded.")) {
		t.Fatalf("NoSuchUnit not detected")
	}
	if isNoSuchUnitErr(errors.New("access denied")) {
		t.Fatalf("unrelated error matched")
	}
}
