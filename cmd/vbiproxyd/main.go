// Command vbiproxyd is the VBI proxy daemon: it arbitrates shared access to
// one or more VBI capture devices among many concurrent clients, per
// spec.md. This file covers the CLI surface spec.md §6.5 deliberately
// excludes from the core: flag parsing, daemonization-adjacent plumbing,
// and the -kill/-status operator conveniences, in the teacher's "apply
// config, then run" shape (cli.go's runCLI/runServer split).
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ocupoint/vbiproxyd/internal/monitor"
	"github.com/ocupoint/vbiproxyd/internal/server"
	"github.com/ocupoint/vbiproxyd/internal/transport"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// deviceListFlag accumulates repeated -dev flags, up to maxDevices per
// spec.md §3 ("N small, ≤ 4").
type deviceListFlag []string

const maxDevices = 4

func (d *deviceListFlag) String() string { return strings.Join(*d, ",") }

func (d *deviceListFlag) Set(value string) error {
	if len(*d) >= maxDevices {
		return fmt.Errorf("at most %d -dev flags accepted", maxDevices)
	}
	*d = append(*d, value)
	return nil
}

// sizeFlag parses a byte/count quantity with optional KB/MB/GB suffix, the
// teacher's custom flag.Value from main.go, generalized to any -N-with-unit
// flag rather than just capture size.
type sizeFlag int

func (s *sizeFlag) String() string { return strconv.Itoa(int(*s)) }

func (s *sizeFlag) Set(value string) error {
	value = strings.TrimSpace(strings.ToUpper(value))
	multiplier := 1
	switch {
	case strings.HasSuffix(value, "GB"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		multiplier = 1 << 10
		value = strings.TrimSuffix(value, "KB")
	case strings.HasSuffix(value, "B"):
		value = strings.TrimSuffix(value, "B")
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value, err)
	}
	*s = sizeFlag(n * multiplier)
	return nil
}

func main() {
	var devices deviceListFlag
	var buffers sizeFlag = 4

	fs := flag.NewFlagSet("vbiproxyd", flag.ExitOnError)
	fs.Var(&devices, "dev", "VBI device path (repeatable, up to 4)")
	fs.Var(&buffers, "buffers", "default per-device buffer pool size hint")
	maxClients := fs.Int("maxclients", 0, "maximum simultaneous clients per device (0 = unbounded)")
	nodetach := fs.Bool("nodetach", false, "run in the foreground instead of daemonizing")
	kill := fs.Bool("kill", false, "find the running daemon for -dev and send it SIGTERM")
	status := fs.Bool("status", false, "connect to the running daemon for -dev and print a status table")
	debug := fs.Int("debug", 0, "debug verbosity level")
	sysloglevel := fs.Int("syslog", 0, "syslog verbosity level")
	loglevel := fs.Int("loglevel", 0, "stderr log verbosity level")
	logfile := fs.String("logfile", "", "write log output to this file instead of stderr")
	monitorAddr := fs.String("monitor-addr", "", "if set, serve a read-only WebSocket telemetry feed on this address (e.g. :8099)")
	diagDir := fs.String("record-diag", "", "if set, tee every captured frame's headers (Parquet) and raw samples (LZ4) into this directory")
	sim := fs.Bool("sim", false, "simulate the capture device instead of opening -dev for real")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of vbiproxyd:\n")
		fmt.Fprintln(os.Stderr, "  vbiproxyd -dev PATH [-dev PATH ...] [options]")
		fmt.Fprintln(os.Stderr, "  vbiproxyd -kill -dev PATH")
		fmt.Fprintln(os.Stderr, "  vbiproxyd -status -dev PATH")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	_ = debug
	_ = sysloglevel
	_ = *nodetach

	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("vbiproxyd: open logfile: %v", err)
		}
		log.SetOutput(f)
	}
	if *loglevel > 0 {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	if len(devices) == 0 {
		devices = deviceListFlag{"/dev/vbi0"}
	}

	switch {
	case *kill:
		os.Exit(runKill(devices))
	case *status:
		os.Exit(runStatus(devices))
	default:
		os.Exit(runDaemon(devices, *maxClients, int(buffers), *monitorAddr, *diagDir, *sim))
	}
}

func runDaemon(devices []string, maxClients, buffers int, monitorAddr, diagDir string, sim bool) int {
	cfg := server.Config{
		DevicePaths:    devices,
		MaxClients:     maxClients,
		Simulate:       sim,
		DiagDir:        diagDir,
		DefaultBuffers: buffers,
	}
	srv, err := server.Start(cfg)
	if err != nil {
		log.Printf("vbiproxyd: %v", err)
		return 1
	}

	var hub *monitor.Hub
	if monitorAddr != "" {
		hub = monitor.NewHub()
		mux := http.NewServeMux()
		mux.HandleFunc("/monitor", hub.Handler)
		go func() {
			if err := http.ListenAndServe(monitorAddr, mux); err != nil {
				log.Printf("vbiproxyd: monitor listener: %v", err)
			}
		}()
		go publishSnapshots(srv, hub)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	log.Printf("vbiproxyd: serving %d device(s)", len(devices))
	<-sig
	log.Printf("vbiproxyd: shutting down")
	srv.Stop()
	return 0
}

// publishSnapshots periodically pushes every device's telemetry to the
// monitor hub. It runs independently of the per-device coordinator
// goroutines, matching monitor's documented role: it never gates anything
// the core does.
func publishSnapshots(srv *server.Server, hub *monitor.Hub) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if hub.ClientCount() == 0 {
			continue
		}
		hub.Publish(srv.Snapshots())
	}
}

// runKill implements §6.4's bootstrap-probe idea in reverse: connect to
// each device's derived socket, ask its PID via the real wire protocol
// (rather than a separate pidfile, which would be state this daemon
// otherwise never persists), and signal it.
func runKill(devices []string) int {
	ok := true
	for _, dev := range devices {
		pid, err := probePid(dev)
		if err != nil {
			log.Printf("vbiproxyd: -kill %s: %v", dev, err)
			ok = false
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			log.Printf("vbiproxyd: -kill %s: signal pid %d: %v", dev, pid, err)
			ok = false
			continue
		}
		log.Printf("vbiproxyd: signaled pid %d for %s", pid, dev)
	}
	if !ok {
		return 2
	}
	return 0
}

func runStatus(devices []string) int {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Device", "Socket", "PID", "Reachable"})
	anyDown := false
	for _, dev := range devices {
		sock := transport.SocketPath(dev)
		pid, err := probePid(dev)
		if err != nil {
			table.Append([]string{dev, sock, "-", "no"})
			anyDown = true
			continue
		}
		table.Append([]string{dev, sock, strconv.Itoa(pid), "yes"})
	}
	table.Render()
	if anyDown {
		return 1
	}
	return 0
}

// probePid connects to the daemon listening for dev and retrieves its PID
// via DaemonPidRequest/DaemonPidConfirm, the same handshake the session
// layer accepts before a real Connect (spec.md §4.7).
func probePid(dev string) (int, error) {
	sock := transport.SocketPath(dev)
	conn, err := (&net.Dialer{Timeout: 2 * time.Second}).Dial("unix", sock)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", sock, err)
	}
	defer conn.Close()

	var req wire.DaemonPid
	wire.FillMagics(&req.Magics)
	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgDaemonPidRequest, wire.MarshalDaemonPid(req)); err != nil {
		return 0, fmt.Errorf("write DaemonPidRequest: %w", err)
	}
	typ, body, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		return 0, fmt.Errorf("read DaemonPidConfirm: %w", err)
	}
	if typ != wire.MsgDaemonPidConfirm {
		return 0, fmt.Errorf("unexpected reply type %s", typ)
	}
	confirm, err := wire.UnmarshalDaemonPid(body)
	if err != nil {
		return 0, fmt.Errorf("decode DaemonPidConfirm: %w", err)
	}
	return int(confirm.Pid), nil
}
