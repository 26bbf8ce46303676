// Package qmp implements the JSON control channel: the wire schema, the
// process-wide event channel, and the Unix-socket server dispatching
// commands into the machine.
//
// The protocol is line-delimited JSON compatible with the QEMU machine
// protocol so existing clients can drive the machine:
// requests {"execute": ..., "arguments": ..., "id": ...}, responses
// {"return": ...} or {"error": {"class": ..., "desc": ...}}, and
// asynchronous events {"event": ..., "data": ..., "timestamp": ...}.
package qmp

import (
	"encoding/json"
	"time"
)

// Greeting is sent on connect before any command is read. The version block
// advertises a QEMU version for client compatibility.
type Greeting struct {
	QMP GreetingInfo `json:"QMP"`
}

// GreetingInfo is the payload of the greeting object.
type GreetingInfo struct {
	Version      Version  `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Version mimics QEMU's version object.
type Version struct {
	Application VersionNumber `json:"qemu"`
	Package     string        `json:"package"`
}

// VersionNumber is a three-part version.
type VersionNumber struct {
	Micro uint8 `json:"micro"`
	Minor uint8 `json:"minor"`
	Major uint8 `json:"major"`
}

// NewGreeting builds the greeting with the advertised fake version and an
// empty capability list.
func NewGreeting(micro, minor, major uint8) Greeting {
	return Greeting{
		QMP: GreetingInfo{
			Version: Version{
				Application: VersionNumber{Micro: micro, Minor: minor, Major: major},
			},
			Capabilities: []string{},
		},
	}
}

// Request is one decoded command line.
type Request struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ID        *uint32         `json:"id,omitempty"`
}

// Empty is the return value of commands without a payload; it serializes to
// {}.
type Empty struct{}

// Response is the reply to one request. Exactly one of Return and Error is
// set; ID echoes the request's id when it carried one.
type Response struct {
	Return any           `json:"return,omitempty"`
	Error  *ErrorMessage `json:"error,omitempty"`
	ID     *uint32       `json:"id,omitempty"`
}

// ErrorMessage is the error payload of a failed command.
type ErrorMessage struct {
	Class ErrorClass `json:"class"`
	Desc  string     `json:"desc"`
}

// ErrorClass enumerates the protocol's error kinds.
type ErrorClass string

const (
	ErrClassGeneric         ErrorClass = "GenericError"
	ErrClassCommandNotFound ErrorClass = "CommandNotFound"
	ErrClassDeviceNotActive ErrorClass = "DeviceNotActive"
	ErrClassDeviceNotFound  ErrorClass = "DeviceNotFound"
	ErrClassKVMMissingCap   ErrorClass = "KVMMissingCap"
)

// NewResponse wraps a command result.
func NewResponse(value any, id *uint32) Response {
	return Response{Return: value, ID: id}
}

// NewEmptyResponse wraps the {} result.
func NewEmptyResponse(id *uint32) Response {
	return Response{Return: Empty{}, ID: id}
}

// NewErrorResponse wraps a command failure.
func NewErrorResponse(class ErrorClass, desc string, id *uint32) Response {
	return Response{Error: &ErrorMessage{Class: class, Desc: desc}, ID: id}
}

// Timestamp carries integer seconds and microseconds since the epoch.
type Timestamp struct {
	Seconds      uint64 `json:"seconds"`
	Microseconds uint64 `json:"microseconds"`
}

// NewTimestamp captures the current time.
func NewTimestamp() Timestamp {
	now := time.Now()
	return Timestamp{
		Seconds:      uint64(now.Unix()),
		Microseconds: uint64(now.Nanosecond()) / 1000,
	}
}

// Event is one asynchronous notification.
type Event struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp Timestamp `json:"timestamp"`
}

// ShutdownData is the payload of the SHUTDOWN event.
type ShutdownData struct {
	Guest  bool   `json:"guest"`
	Reason string `json:"reason"`
}

// DeviceDeletedData is the payload of the DEVICE_DELETED event.
type DeviceDeletedData struct {
	Device string `json:"device,omitempty"`
	Path   string `json:"path"`
}

// RunState names the machine states the status query reports.
type RunState string

const (
	RunStateCreated  RunState = "Created"
	RunStateRunning  RunState = "running"
	RunStatePaused   RunState = "paused"
	RunStateShutdown RunState = "shutdown"
)

// StatusInfo is the result of query-status.
type StatusInfo struct {
	Running    bool     `json:"running"`
	Singlestep bool     `json:"singlestep"`
	Status     RunState `json:"status"`
}

// CpuInstanceProperties carries the topology coordinates of one vCPU slot.
type CpuInstanceProperties struct {
	NodeID   *int `json:"node-id,omitempty"`
	SocketID *int `json:"socket-id,omitempty"`
	CoreID   *int `json:"core-id,omitempty"`
	ThreadID *int `json:"thread-id,omitempty"`
}

// CpuInfo is one entry of the query-cpus result.
type CpuInfo struct {
	CPU      int                    `json:"CPU"`
	Current  bool                   `json:"current"`
	Halted   bool                   `json:"halted"`
	QomPath  string                 `json:"qom_path"`
	ThreadID int                    `json:"thread_id"`
	Arch     string                 `json:"arch"`
	Props    *CpuInstanceProperties `json:"props,omitempty"`
}

// HotpluggableCPU is one entry of the query-hotpluggable-cpus result.
type HotpluggableCPU struct {
	Type       string                `json:"type"`
	VcpusCount int                   `json:"vcpus-count"`
	Props      CpuInstanceProperties `json:"props"`
	QomPath    *string               `json:"qom-path,omitempty"`
}

// FileOptions names the backing file of blockdev_add.
type FileOptions struct {
	Driver   string `json:"driver"`
	Filename string `json:"filename"`
}

// CacheOptions carries the cache mode of blockdev_add.
type CacheOptions struct {
	Direct    *bool `json:"direct,omitempty"`
	NoFlush   *bool `json:"no-flush,omitempty"`
	Writeback *bool `json:"writeback,omitempty"`
}

// DeviceAddArguments are the arguments of device_add.
type DeviceAddArguments struct {
	ID     string  `json:"id"`
	Driver string  `json:"driver"`
	Addr   *string `json:"addr,omitempty"`
	Lun    *int    `json:"lun,omitempty"`
}

// DeviceDelArguments are the arguments of device_del.
type DeviceDelArguments struct {
	ID string `json:"id"`
}

// BlockdevAddArguments are the arguments of blockdev_add.
type BlockdevAddArguments struct {
	NodeName string        `json:"node-name"`
	File     FileOptions   `json:"file"`
	Cache    *CacheOptions `json:"cache,omitempty"`
	ReadOnly *bool         `json:"read-only,omitempty"`
}

// NetdevAddArguments are the arguments of netdev_add.
type NetdevAddArguments struct {
	ID     string  `json:"id"`
	IfName *string `json:"ifname,omitempty"`
	Fds    *string `json:"fds,omitempty"`
}

// GetfdArguments are the arguments of getfd.
type GetfdArguments struct {
	FdName string `json:"fdname"`
}
