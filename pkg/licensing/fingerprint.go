package licensing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	gohost "github.com/shirou/gopsutil/v4/host"
)

// DeviceFingerprint derives a stable identifier for this installation's
// machine. Activations are bound to it server-side and the offline cache
// refuses to load under a different fingerprint, so the inputs must be
// stable across restarts: host id (machine-id or platform equivalent),
// hostname, OS, and architecture. No hardware serials and no user data.
func DeviceFingerprint(ctx context.Context) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	hostID := ""
	if info, err := gohost.InfoWithContext(ctx); err == nil && info != nil {
		hostID = info.HostID
	}
	if hostID == "" {
		// Containers and some BSDs report no host id; the hostname is the
		// best remaining stable input.
		hostID = hostname
	}

	material := fmt.Sprintf("%s|%s|%s|%s", hostID, hostname, runtime.GOOS, runtime.GOARCH)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}
