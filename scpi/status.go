package scpi

import (
	"fmt"
	"strings"
)

// EventStatus is the IEEE 488.2 standard event status register, read with
// *ESR? and masked with *ESE.
type EventStatus uint8

const (
	// EventOperationComplete is set when all pending operations finish.
	EventOperationComplete EventStatus = 1 << 0
	// EventRequestControl is set when the device requests bus control.
	EventRequestControl EventStatus = 1 << 1
	// EventQueryError is set on output queue protocol violations.
	EventQueryError EventStatus = 1 << 2
	// EventDeviceError is set on device-dependent errors.
	EventDeviceError EventStatus = 1 << 3
	// EventExecutionError is set when a command could not be executed.
	EventExecutionError EventStatus = 1 << 4
	// EventCommandError is set on syntax errors.
	EventCommandError EventStatus = 1 << 5
	// EventUserRequest is set on a front panel user request.
	EventUserRequest EventStatus = 1 << 6
	// EventPowerOn is set when power has cycled since the last read.
	EventPowerOn EventStatus = 1 << 7
)

// Has reports whether any bit of mask is set.
func (s EventStatus) Has(mask EventStatus) bool { return s&mask != 0 }

func (s EventStatus) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		bit  EventStatus
		name string
	}{
		{EventPowerOn, "PON"},
		{EventUserRequest, "URQ"},
		{EventCommandError, "CME"},
		{EventExecutionError, "EXE"},
		{EventDeviceError, "DDE"},
		{EventQueryError, "QYE"},
		{EventRequestControl, "RQC"},
		{EventOperationComplete, "OPC"},
	}
	parts := make([]string, 0, 8)
	for _, n := range names {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, "|")
}

// StatusByte is the IEEE 488.2 status byte register, read with *STB? or a
// serial poll and masked with *SRE.
type StatusByte uint8

const (
	// StatusErrorQueue is set while the error/event queue is not empty (EAV).
	StatusErrorQueue StatusByte = 1 << 2
	// StatusMessageAvailable is set while the output queue holds a response (MAV).
	StatusMessageAvailable StatusByte = 1 << 4
	// StatusEventSummary is the summary of the event status register masked
	// by *ESE (ESB).
	StatusEventSummary StatusByte = 1 << 5
	// StatusRequestService is RQS on a serial poll and MSS on *STB?.
	StatusRequestService StatusByte = 1 << 6
)

// Has reports whether any bit of mask is set.
func (s StatusByte) Has(mask StatusByte) bool { return s&mask != 0 }

// ErrorQueue reports whether the error/event queue holds entries.
func (s StatusByte) ErrorQueue() bool { return s.Has(StatusErrorQueue) }

// MessageAvailable reports whether a response is waiting in the output queue.
func (s StatusByte) MessageAvailable() bool { return s.Has(StatusMessageAvailable) }

// EventSummary reports whether an enabled event status bit is set.
func (s StatusByte) EventSummary() bool { return s.Has(StatusEventSummary) }

// RequestService reports whether the device is requesting service.
func (s StatusByte) RequestService() bool { return s.Has(StatusRequestService) }

func (s StatusByte) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		bit  StatusByte
		name string
	}{
		{StatusRequestService, "RQS"},
		{StatusEventSummary, "ESB"},
		{StatusMessageAvailable, "MAV"},
		{StatusErrorQueue, "EAV"},
	}
	parts := make([]string, 0, 5)
	rest := s
	for _, n := range names {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02X", uint8(rest)))
	}

	return strings.Join(parts, "|")
}
