// Package transport derives and manages the per-device Unix domain socket
// the daemon listens on, mirroring the device file's permissions, and
// bootstrap-probes an existing socket before binding.
package transport

import (
	"os"
	"strings"
)

// SocketBasePath is the directory+prefix every derived socket path starts
// with.
const SocketBasePath = "/tmp/vbiproxy"

const maxSymlinkHops = 100

// SocketPath derives the daemon's listen path for devicePath: resolve its
// symlink chain to a canonical path, then replace every '/' with '-' and
// prefix SocketBasePath. A symlink loop or an overlong chain aborts
// resolution early and the partially-resolved path is used as-is, matching
// the historical behavior of falling back rather than failing outright.
func SocketPath(devicePath string) string {
	return SocketBasePath + transform(resolveSymlinks(devicePath))
}

func transform(p string) string {
	return strings.ReplaceAll(p, "/", "-")
}

// SanitizePath applies the same '/'→'-' transform SocketPath uses, without
// the socket prefix or symlink resolution; used to derive filesystem-safe
// filenames (e.g. internal/diag's recording paths) from a device path.
func SanitizePath(p string) string {
	return transform(strings.TrimPrefix(p, "/"))
}

// resolveSymlinks follows devicePath through its symlink chain, bounded at
// maxSymlinkHops, so that two different paths referring to the same device
// node (e.g. /dev/vbi and /dev/vbi0) resolve to the same socket path.
func resolveSymlinks(devicePath string) string {
	path := devicePath
	for i := 0; i < maxSymlinkHops; i++ {
		fi, err := os.Lstat(path)
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			break
		}
		link, err := os.Readlink(path)
		if err != nil || link == "" {
			break
		}
		if link[0] == '/' {
			path = link
			continue
		}
		// Relative symlink: replace only the last path element.
		if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
			path = path[:idx+1] + link
		} else {
			path = link
		}
	}
	return path
}
