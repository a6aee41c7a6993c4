package device

import (
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Resolver derives the deviceId sent with every notification
type Resolver struct {
	goos     string
	readFile func(string) ([]byte, error)
	hostname func() (string, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		goos:     runtime.GOOS,
		readFile: os.ReadFile,
		hostname: os.Hostname,
	}
}

// Resolve returns the configured id if set. Otherwise a model name becomes
// "<os>-<Model_Name>", then the machine id, then the hostname. A random id is
// the last resort and changes across restarts, so production configs should
// set one.
func (r *Resolver) Resolve(configuredID, model string) string {
	if id := strings.TrimSpace(configuredID); id != "" {
		return id
	}
	if m := strings.TrimSpace(model); m != "" {
		return r.goos + "-" + strings.ReplaceAll(m, " ", "_")
	}

	if r.goos == "linux" {
		for _, path := range machineIDFiles {
			data, err := r.readFile(path)
			if err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return r.goos + "-" + id
				}
			}
		}
	}

	if host, err := r.hostname(); err == nil && host != "" {
		return r.goos + "-" + host
	}

	return r.goos + "-" + uuid.NewString()
}
