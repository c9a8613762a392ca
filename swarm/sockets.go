// ABOUTME: Stale socket cleanup — best-effort, fire-and-forget probes
// ABOUTME: that unlink socket files whose listeners are gone.
package swarm

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pi-agents/pi-swarm/internal/logx"
)

const staleProbeTimeout = 2 * time.Second

var socketsLog = logx.New("swarm.sockets")

// CleanStaleSockets scans dir for *.sock files and, for each, launches a
// probe that removes the file if nothing is listening on it. Probes run
// concurrently and are not awaited: the call returns as soon as they are
// launched. A probe whose dial fails unlinks the path even if a new
// listener has bound there since the dial. Best effort throughout — scan
// and unlink errors are logged, never returned.
func CleanStaleSockets(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		socketsLog.Log("scan-failed", "dir", dir, "err", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sock" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		go probeAndRemove(path)
	}
}

func probeAndRemove(path string) {
	conn, err := net.DialTimeout("unix", path, staleProbeTimeout)
	if err == nil {
		conn.Close()
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		socketsLog.Log("remove-failed", "path", path, "err", err)
	}
}
