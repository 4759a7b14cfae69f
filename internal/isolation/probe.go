// Package isolation detects, once per process, whether PID-namespace isolation via
// unshare is usable in this environment.
package isolation

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

const probeTimeout = 1 * time.Second

var (
	once      sync.Once
	available bool
)

// Available reports whether `unshare --pid --fork --mount-proc` can be used to spawn
// isolated session shells. The probe runs at most once per process; the result is
// memoized for the lifetime of the broker.
func Available() bool {
	once.Do(func() {
		available = probe()
	})
	return available
}

func probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "unshare", "--pid", "--fork", "--mount-proc", "true")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}
