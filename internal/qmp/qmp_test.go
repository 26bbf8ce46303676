package qmp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestGreetingWire(t *testing.T) {
	got, err := json.Marshal(NewGreeting(1, 0, 4))
	if err != nil {
		t.Fatalf("marshal greeting: %v", err)
	}
	want := `{"QMP":{"version":{"qemu":{"micro":1,"minor":0,"major":4},"package":""},"capabilities":[]}}`
	if string(got) != want {
		t.Fatalf("greeting = %s, want %s", got, want)
	}
}

func TestResponseWire(t *testing.T) {
	id := uint32(0)
	got, err := json.Marshal(NewEmptyResponse(&id))
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if string(got) != `{"return":{},"id":0}` {
		t.Fatalf("empty response = %s", got)
	}

	status := StatusInfo{Running: true, Status: RunStateRunning}
	got, err = json.Marshal(NewResponse(status, nil))
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if string(got) != `{"return":{"running":true,"singlestep":false,"status":"running"}}` {
		t.Fatalf("status response = %s", got)
	}

	got, err = json.Marshal(NewErrorResponse(ErrClassGeneric, "Invalid Qmp command arguments!", nil))
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if string(got) != `{"error":{"class":"GenericError","desc":"Invalid Qmp command arguments!"}}` {
		t.Fatalf("error response = %s", got)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	id := uint32(42)
	in := NewErrorResponse(ErrClassCommandNotFound, "nope", &id)
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Error == nil || out.Error.Class != ErrClassCommandNotFound || out.Error.Desc != "nope" {
		t.Fatalf("round trip error = %+v", out.Error)
	}
	if out.ID == nil || *out.ID != 42 {
		t.Fatalf("round trip id = %v", out.ID)
	}
}

func TestEventWire(t *testing.T) {
	ev := Event{
		Event:     "SHUTDOWN",
		Data:      ShutdownData{Guest: false, Reason: "host-qmp-quit"},
		Timestamp: Timestamp{Seconds: 1575531524, Microseconds: 91519},
	}
	got, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	want := `{"event":"SHUTDOWN","data":{"guest":false,"reason":"host-qmp-quit"},"timestamp":{"seconds":1575531524,"microseconds":91519}}`
	if string(got) != want {
		t.Fatalf("event = %s, want %s", got, want)
	}
}

// stubMachine records the calls the server dispatches into it.
type stubMachine struct {
	pauseOK, resumeOK bool
	destroyed         bool

	lastNetID string
	lastTapFd *int
}

func (m *stubMachine) Pause() bool   { return m.pauseOK }
func (m *stubMachine) Resume() bool  { return m.resumeOK }
func (m *stubMachine) Destroy() bool { m.destroyed = true; return true }

func (m *stubMachine) QueryStatus() StatusInfo {
	return StatusInfo{Running: false, Status: RunStateCreated}
}
func (m *stubMachine) QueryCpus() []CpuInfo                     { return nil }
func (m *stubMachine) QueryHotpluggableCpus() []HotpluggableCPU { return nil }
func (m *stubMachine) DeviceAdd(id, driver string, addr *string, lun *int) bool {
	return false
}
func (m *stubMachine) DeviceDel(id string) bool                   { return false }
func (m *stubMachine) BlockdevAdd(args BlockdevAddArguments) bool { return true }
func (m *stubMachine) NetdevAdd(id string, ifName *string, tapFd *int) bool {
	m.lastNetID = id
	m.lastTapFd = tapFd
	return true
}

type testClient struct {
	conn   *net.UnixConn
	reader *bufio.Reader
}

func startTestServer(t *testing.T, machine MachineExternalInterface) (*Server, *testClient) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "qmp.sock")
	server, err := NewServer(path, machine)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.exit = func(code int) {}
	t.Cleanup(func() { server.Close() })

	go server.Serve()

	raddr := &net.UnixAddr{Name: path, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client := &testClient{conn: conn, reader: bufio.NewReader(conn)}

	// Swallow the greeting.
	line := client.readLine(t)
	if !strings.Contains(line, `"QMP"`) {
		t.Fatalf("greeting line = %s", line)
	}

	return server, client
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimSpace(line)
}

func (c *testClient) roundTrip(t *testing.T, request string) Response {
	t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\n", request); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(c.readLine(t)), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return resp
}

func TestServerIDEcho(t *testing.T) {
	_, client := startTestServer(t, &stubMachine{})

	resp := client.roundTrip(t, `{"execute":"query-status","id":42}`)
	if resp.ID == nil || *resp.ID != 42 {
		t.Fatalf("response id = %v, want 42", resp.ID)
	}

	resp = client.roundTrip(t, `{"execute":"query-status"}`)
	if resp.ID != nil {
		t.Fatalf("response id = %v, want absent", *resp.ID)
	}
}

func TestServerParseError(t *testing.T) {
	_, client := startTestServer(t, &stubMachine{})

	resp := client.roundTrip(t, `{"execute": not json`)
	if resp.Error == nil || resp.Error.Class != ErrClassGeneric {
		t.Fatalf("parse error response = %+v", resp)
	}
}

func TestServerCommandNotFound(t *testing.T) {
	_, client := startTestServer(t, &stubMachine{})

	resp := client.roundTrip(t, `{"execute":"migrate"}`)
	if resp.Error == nil || resp.Error.Class != ErrClassCommandNotFound {
		t.Fatalf("unknown command response = %+v", resp)
	}
}

func TestServerRejectedTransition(t *testing.T) {
	_, client := startTestServer(t, &stubMachine{pauseOK: false})

	resp := client.roundTrip(t, `{"execute":"stop"}`)
	if resp.Error == nil || resp.Error.Class != ErrClassGeneric {
		t.Fatalf("rejected stop response = %+v", resp)
	}
}

func TestServerOrderedResponses(t *testing.T) {
	_, client := startTestServer(t, &stubMachine{pauseOK: true, resumeOK: true})

	for i := uint32(1); i <= 20; i++ {
		resp := client.roundTrip(t, fmt.Sprintf(`{"execute":"query-status","id":%d}`, i))
		if resp.ID == nil || *resp.ID != i {
			t.Fatalf("response %d arrived with id %v", i, resp.ID)
		}
	}
}

func TestServerFdPassing(t *testing.T) {
	machine := &stubMachine{}
	_, client := startTestServer(t, machine)

	// Send getfd with an fd attached via SCM_RIGHTS.
	tmp, err := os.CreateTemp(t.TempDir(), "fd")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	defer tmp.Close()

	rights := unix.UnixRights(int(tmp.Fd()))
	payload := []byte(`{"execute":"getfd","arguments":{"fdname":"tap0"}}` + "\n")
	if _, _, err := client.conn.WriteMsgUnix(payload, rights, nil); err != nil {
		t.Fatalf("write msg: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(client.readLine(t)), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("getfd response = %+v", resp.Error)
	}

	stored, ok := GetFd("tap0")
	if !ok {
		t.Fatalf("fd not stored under name")
	}

	// Consuming it via netdev_add hands the same fd number to the machine.
	resp = client.roundTrip(t, `{"execute":"netdev_add","arguments":{"id":"net0","fds":"tap0"}}`)
	if resp.Error != nil {
		t.Fatalf("netdev_add response = %+v", resp.Error)
	}
	if machine.lastTapFd == nil || *machine.lastTapFd != stored {
		t.Fatalf("machine got fd %v, want %d", machine.lastTapFd, stored)
	}

	// An unknown name is a GenericError.
	resp = client.roundTrip(t, `{"execute":"netdev_add","arguments":{"id":"net1","fds":"nosuch"}}`)
	if resp.Error == nil || resp.Error.Class != ErrClassGeneric {
		t.Fatalf("unknown fd name response = %+v", resp)
	}
}

func TestServerGetfdWithoutAncillaryData(t *testing.T) {
	_, client := startTestServer(t, &stubMachine{})

	resp := client.roundTrip(t, `{"execute":"getfd","arguments":{"fdname":"x"}}`)
	if resp.Error == nil || resp.Error.Class != ErrClassGeneric {
		t.Fatalf("getfd without fd = %+v", resp)
	}
}

func TestServerQuit(t *testing.T) {
	machine := &stubMachine{}
	server, client := startTestServer(t, machine)

	exitCode := -1
	server.exit = func(code int) { exitCode = code }

	resp := client.roundTrip(t, `{"execute":"quit"}`)
	if resp.Error != nil {
		t.Fatalf("quit response = %+v", resp.Error)
	}

	// The SHUTDOWN event follows on the same socket.
	var ev Event
	if err := json.Unmarshal([]byte(client.readLine(t)), &ev); err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if ev.Event != "SHUTDOWN" {
		t.Fatalf("event = %+v", ev)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		t.Fatalf("remarshal event data: %v", err)
	}
	var shutdown ShutdownData
	if err := json.Unmarshal(data, &shutdown); err != nil {
		t.Fatalf("parse event data: %v", err)
	}
	if shutdown.Guest || shutdown.Reason != "host-qmp-quit" {
		t.Fatalf("shutdown data = %+v", shutdown)
	}

	if !machine.destroyed {
		t.Fatalf("quit did not destroy the machine")
	}
	if exitCode != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode)
	}
}
