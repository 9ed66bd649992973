package systemd

import (
	"reflect"
	"strings"
	"testing"
)

func TestArgv(t *testing.T) {
	t.Parallel()

	got, err := Argv("restart", "nginx.service")
	if err != nil || !reflect.DeepEqual(got, []string{"systemctl", "restart", "nginx.service"}) {
		t.Fatalf("got=%v err=%v", got, err)
	}

	got, err = Argv("recover", "redis")
	if err != nil || got[0] != "sh" || !strings.Contains(got[2], "is-active --quiet 'redis' || systemctl restart 'redis'") {
		t.Fatalf("got=%v err=%v", got, err)
	}

	for _, bad := range [][2]string{{"mask", "nginx"}, {"start", ""}, {"start", "a b"}, {"stop", "x';rm -rf /'"}} {
		if _, err := Argv(bad[0], bad[1]); err == nil {
			t.Fatalf("Argv(%q, %q) accepted", bad[0], bad[1])
		}
	}
	if !ValidAction("recover") || ValidAction("enable") {
		t.Fatalf("ValidAction mismatch")
	}
}
