package transport

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// Probe attempts a local-socket connect to path, the bootstrap check a
// client (or this daemon's own startup) performs before trusting it: on
// success it sends Close and reports the daemon already running; on
// failure it unlinks a stale socket file left behind by a crashed previous
// daemon and reports not running.
func Probe(path string) (running bool) {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		os.Remove(path)
		return false
	}
	defer conn.Close()
	wire.WriteMessage(conn, time.Now().Add(time.Second), wire.MsgClose, nil)
	return true
}

// Listen probes path, refusing to start if a daemon is already listening
// there, then binds a Unix domain socket and mirrors devicePath's file
// permissions onto the socket so that access to the proxy matches access to
// the device it fronts.
func Listen(path, devicePath string) (net.Listener, error) {
	if Probe(path) {
		return nil, fmt.Errorf("transport: a daemon is already listening on %s", path)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}

	// Mirror the device file's owner, group, and mode onto the socket (§4.2)
	// so that existing device permissions transparently govern daemon access.
	// Best-effort: an unprivileged daemon can't chown to an arbitrary uid/gid,
	// and that's not fatal — the socket still binds with its creating
	// process's own identity.
	var st unix.Stat_t
	if err := unix.Stat(devicePath, &st); err == nil {
		os.Chmod(path, os.FileMode(st.Mode&0777))
		unix.Chown(path, int(st.Uid), int(st.Gid))
	}
	return ln, nil
}
