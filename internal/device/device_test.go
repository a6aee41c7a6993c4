package device

import (
	"errors"
	"strings"
	"testing"
)

func fakeResolver(goos string, files map[string]string, host string) *Resolver {
	return &Resolver{
		goos: goos,
		readFile: func(path string) ([]byte, error) {
			if v, ok := files[path]; ok {
				return []byte(v), nil
			}
			return nil, errors.New("not found")
		},
		hostname: func() (string, error) {
			if host == "" {
				return "", errors.New("no hostname")
			}
			return host, nil
		},
	}
}

func TestResolvePrefersConfigured(t *testing.T) {
	r := fakeResolver("linux", nil, "box")
	if got := r.Resolve(" android-Pixel_7 ", "Other"); got != "android-Pixel_7" {
		t.Errorf("Expected configured id, got %q", got)
	}
}

func TestResolveFromModel(t *testing.T) {
	r := fakeResolver("android", nil, "")
	if got := r.Resolve("", "Galaxy A54 5G"); got != "android-Galaxy_A54_5G" {
		t.Errorf("Expected model based id, got %q", got)
	}
}

func TestResolveMachineID(t *testing.T) {
	r := fakeResolver("linux", map[string]string{"/var/lib/dbus/machine-id": "abc123\n"}, "box")
	if got := r.Resolve("", ""); got != "linux-abc123" {
		t.Errorf("Expected machine id, got %q", got)
	}
}

func TestResolveFallbacks(t *testing.T) {
	r := fakeResolver("darwin", nil, "mbp")
	if got := r.Resolve("", ""); got != "darwin-mbp" {
		t.Errorf("Expected hostname id, got %q", got)
	}

	r = fakeResolver("linux", nil, "")
	got := r.Resolve("", "")
	if !strings.HasPrefix(got, "linux-") || len(got) != len("linux-")+36 {
		t.Errorf("Expected random uuid id, got %q", got)
	}
}
