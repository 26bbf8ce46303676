package qmp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// MachineLifecycle drives the machine state transitions. The boolean result
// reports whether the transition was legal; the machine logs the detail.
type MachineLifecycle interface {
	Pause() bool
	Resume() bool
	Destroy() bool
}

// DeviceInterface answers queries and drives device hot add and remove.
type DeviceInterface interface {
	QueryStatus() StatusInfo
	QueryCpus() []CpuInfo
	QueryHotpluggableCpus() []HotpluggableCPU
	DeviceAdd(id, driver string, addr *string, lun *int) bool
	DeviceDel(id string) bool
	BlockdevAdd(args BlockdevAddArguments) bool
	NetdevAdd(id string, ifName *string, tapFd *int) bool
}

// MachineExternalInterface is everything the control channel needs from the
// machine.
type MachineExternalInterface interface {
	MachineLifecycle
	DeviceInterface
}

// Server owns the Unix-domain control socket. At most one client session is
// active at a time; commands on a session are processed strictly in order.
type Server struct {
	listener *net.UnixListener
	machine  MachineExternalInterface

	// exit terminates the process after quit; replaced in tests.
	exit func(code int)
}

// NewServer binds the control socket at path. An existing socket file is
// removed first so restarts do not fail on the leftover inode.
func NewServer(path string, machine MachineExternalInterface) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("qmp: remove stale socket %s: %w", path, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("qmp: listen on %s: %w", path, err)
	}

	return &Server{
		listener: listener,
		machine:  machine,
		exit:     os.Exit,
	}, nil
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Serve accepts clients until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("qmp: accept: %w", err)
		}
		s.serveSession(conn)
	}
}

// session is one connected client: a line buffer over the stream plus the
// inherited descriptors not yet claimed by getfd.
type session struct {
	server *Server
	conn   *net.UnixConn
	buf    bytes.Buffer

	pendingFds []int
}

func (s *Server) serveSession(conn *net.UnixConn) {
	defer conn.Close()

	sess := &session{server: s, conn: conn}

	greeting, err := json.Marshal(NewGreeting(1, 0, 4))
	if err != nil {
		slog.Error("qmp: marshal greeting", "error", err)
		return
	}
	if _, err := fmt.Fprintf(conn, "%s\n", greeting); err != nil {
		slog.Error("qmp: send greeting", "error", err)
		return
	}

	BindWriter(conn)
	defer Unbind()

	buf := make([]byte, 4096)
	oob := make([]byte, 1024)
	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if n > 0 {
			sess.recoverFds(oob[:oobn])
			sess.buf.Write(buf[:n])
			if done := sess.drainLines(); done {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// recoverFds extracts SCM_RIGHTS descriptors from the ancillary data and
// parks them until getfd claims them.
func (sess *session) recoverFds(oob []byte) {
	if len(oob) == 0 {
		return
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		slog.Warn("qmp: parse ancillary data", "error", err)
		return
	}
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		sess.pendingFds = append(sess.pendingFds, fds...)
	}
}

// takeFd claims the oldest unconsumed inherited descriptor.
func (sess *session) takeFd() (int, bool) {
	if len(sess.pendingFds) == 0 {
		return 0, false
	}
	fd := sess.pendingFds[0]
	sess.pendingFds = sess.pendingFds[1:]
	return fd, true
}

// drainLines processes every complete line in the buffer. It reports true
// when the session asked the process to quit.
func (sess *session) drainLines() bool {
	for {
		line, err := sess.buf.ReadBytes('\n')
		if err != nil {
			// Partial line: keep it for the next read.
			sess.buf.Write(line)
			return false
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if quit := sess.handleLine(line); quit {
			return true
		}
	}
}

func (sess *session) handleLine(line []byte) bool {
	slog.Info("qmp: <--", "line", string(line))

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		sess.send(NewErrorResponse(ErrClassGeneric, err.Error(), nil))
		return false
	}

	resp, quit := sess.server.dispatch(&req, sess)
	resp.ID = req.ID
	sess.send(resp)

	if quit {
		EventShutdown(false, "host-qmp-quit")
		sess.server.exit(1)
		return true
	}
	return false
}

func (sess *session) send(resp Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		slog.Error("qmp: marshal response", "error", err)
		return
	}
	slog.Info("qmp: -->", "line", string(line))
	if _, err := fmt.Fprintf(sess.conn, "%s\n", line); err != nil {
		slog.Error("qmp: send response", "error", err)
	}
}

// dispatch executes one command. The boolean result requests process exit.
func (s *Server) dispatch(req *Request, sess *session) (Response, bool) {
	switch req.Execute {
	case "qmp_capabilities":
		return NewEmptyResponse(nil), false

	case "stop":
		if !s.machine.Pause() {
			return NewErrorResponse(ErrClassGeneric, "lifecycle transition rejected", nil), false
		}
		return NewEmptyResponse(nil), false

	case "cont":
		if !s.machine.Resume() {
			return NewErrorResponse(ErrClassGeneric, "lifecycle transition rejected", nil), false
		}
		return NewEmptyResponse(nil), false

	case "quit":
		s.machine.Destroy()
		return NewEmptyResponse(nil), true

	case "query-status":
		return NewResponse(s.machine.QueryStatus(), nil), false

	case "query-cpus":
		return NewResponse(s.machine.QueryCpus(), nil), false

	case "query-hotpluggable-cpus":
		return NewResponse(s.machine.QueryHotpluggableCpus(), nil), false

	case "device_add":
		var args DeviceAddArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return NewErrorResponse(ErrClassGeneric, err.Error(), nil), false
		}
		if !s.machine.DeviceAdd(args.ID, args.Driver, args.Addr, args.Lun) {
			return NewErrorResponse(ErrClassDeviceNotFound, fmt.Sprintf("failed to add device %q", args.ID), nil), false
		}
		return NewEmptyResponse(nil), false

	case "device_del":
		var args DeviceDelArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return NewErrorResponse(ErrClassGeneric, err.Error(), nil), false
		}
		if !s.machine.DeviceDel(args.ID) {
			return NewErrorResponse(ErrClassDeviceNotFound, fmt.Sprintf("no device %q", args.ID), nil), false
		}
		return NewEmptyResponse(nil), false

	case "blockdev_add":
		var args BlockdevAddArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return NewErrorResponse(ErrClassGeneric, err.Error(), nil), false
		}
		if !s.machine.BlockdevAdd(args) {
			return NewErrorResponse(ErrClassGeneric, fmt.Sprintf("failed to register block backend %q", args.NodeName), nil), false
		}
		return NewEmptyResponse(nil), false

	case "netdev_add":
		var args NetdevAddArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return NewErrorResponse(ErrClassGeneric, err.Error(), nil), false
		}
		var tapFd *int
		if args.Fds != nil {
			fd, err := resolveFdName(*args.Fds)
			if err != nil {
				return NewErrorResponse(ErrClassGeneric, err.Error(), nil), false
			}
			tapFd = &fd
		}
		if !s.machine.NetdevAdd(args.ID, args.IfName, tapFd) {
			return NewErrorResponse(ErrClassGeneric, fmt.Sprintf("failed to register net backend %q", args.ID), nil), false
		}
		return NewEmptyResponse(nil), false

	case "getfd":
		var args GetfdArguments
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return NewErrorResponse(ErrClassGeneric, err.Error(), nil), false
		}
		fd, ok := sess.takeFd()
		if !ok {
			return NewErrorResponse(ErrClassGeneric, "Invalid SCM message", nil), false
		}
		SetFd(args.FdName, fd)
		return NewEmptyResponse(nil), false

	default:
		return NewErrorResponse(ErrClassCommandNotFound,
			fmt.Sprintf("The command %s has not been found", req.Execute), nil), false
	}
}

// resolveFdName maps a client-supplied fds value to a descriptor: a name
// stored by getfd (optionally prefixed "set:name"), or a raw number.
func resolveFdName(fds string) (int, error) {
	name := fds
	if idx := strings.LastIndex(fds, ":"); idx >= 0 {
		name = fds[idx+1:]
	}
	if fd, ok := GetFd(name); ok {
		return fd, nil
	}
	fd, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("no file descriptor named %q", name)
	}
	return fd, nil
}
