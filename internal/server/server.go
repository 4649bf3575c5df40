package server

import (
	"fmt"
	"log"
	"net"

	"github.com/ocupoint/vbiproxyd/internal/capture"
	"github.com/ocupoint/vbiproxyd/internal/diag"
	"github.com/ocupoint/vbiproxyd/internal/monitor"
	"github.com/ocupoint/vbiproxyd/internal/transport"
)

// Config holds the per-run daemon settings parsed from command-line flags.
type Config struct {
	DevicePaths []string
	MaxClients  int
	Simulate    bool

	// DefaultBuffers, if positive, is the size each device's pool is given
	// at startup. Later resizes by the services aggregator use
	// pool.TargetSize, whose floor is pool.DefaultSize; this value does not
	// enter them. Zero skips the startup resize.
	DefaultBuffers int

	// DiagDir, if non-empty, turns on the flight recorder for every device:
	// sliced-line headers go to "<DiagDir>/<sanitized-path>.parquet", and a
	// raw-sample sidecar (LZ4-compressed) to "<DiagDir>/<sanitized-path>.raw.lz4".
	DiagDir string
}

// Server runs one Device (with its own listener, coordinator goroutine, and
// reader goroutine) per configured device path.
type Server struct {
	devices   []*Device
	listeners []net.Listener
}

// Start opens a listener and spawns a Device for every path in cfg, probing
// for (and refusing to collide with) an already-running daemon on the same
// socket.
func Start(cfg Config) (*Server, error) {
	if len(cfg.DevicePaths) == 0 {
		return nil, fmt.Errorf("server: no device paths configured")
	}
	srv := &Server{}
	for _, path := range cfg.DevicePaths {
		sockPath := transport.SocketPath(path)
		ln, err := transport.Listen(sockPath, path)
		if err != nil {
			srv.Stop()
			return nil, err
		}

		var src capture.Source
		if cfg.Simulate {
			src = capture.NewSimulator(625)
		} else {
			src = capture.NewDevice(path)
		}

		dev := NewDevice(path, src)
		dev.maxClients = cfg.MaxClients
		if cfg.DefaultBuffers > 0 {
			dev.pool.Resize(cfg.DefaultBuffers)
		}
		if cfg.DiagDir != "" {
			base := cfg.DiagDir + "/" + transport.SanitizePath(path)
			rec, err := diag.Open(base+".parquet", base+".raw.lz4")
			if err != nil {
				log.Printf("vbiproxyd: %s: flight recorder disabled: %v", path, err)
			} else {
				dev.attachRecorder(rec)
			}
		}
		srv.devices = append(srv.devices, dev)
		srv.listeners = append(srv.listeners, ln)
		go dev.Serve(ln)
	}
	return srv, nil
}

// Stop shuts down every device and its listener.
func (s *Server) Stop() {
	for _, d := range s.devices {
		d.Stop()
	}
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// Devices returns the running devices, for diagnostics/monitoring.
func (s *Server) Devices() []*Device { return s.devices }

// Snapshots returns one monitor.DeviceSnapshot per running device, for the
// optional WebSocket telemetry hub (internal/monitor).
func (s *Server) Snapshots() []monitor.DeviceSnapshot {
	out := make([]monitor.DeviceSnapshot, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.Snapshot()
	}
	return out
}
