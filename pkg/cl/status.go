// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cl

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the status code returned by the accelerator API calls.
type Status int32

// Status codes, with the same values as OpenCL.
const (
	Success                            Status = 0
	DeviceNotFound                     Status = -1
	DeviceNotAvailable                 Status = -2
	CompilerNotAvailable               Status = -3
	MemObjectAllocationFailure         Status = -4
	OutOfResources                     Status = -5
	OutOfHostMemory                    Status = -6
	ProfilingInfoNotAvailable          Status = -7
	BuildProgramFailure                Status = -11
	ExecStatusErrorForEventsInWaitList Status = -14
	InvalidValue                       Status = -30
	InvalidDeviceType                  Status = -31
	InvalidPlatform                    Status = -32
	InvalidDevice                      Status = -33
	InvalidContext                     Status = -34
	InvalidCommandQueue                Status = -36
	InvalidHostPtr                     Status = -37
	InvalidMemObject                   Status = -38
	InvalidBinary                      Status = -42
	InvalidProgram                     Status = -44
	InvalidKernelName                  Status = -46
	InvalidKernel                      Status = -48
	InvalidArgIndex                    Status = -49
	InvalidArgValue                    Status = -50
	InvalidArgSize                     Status = -51
	InvalidEvent                       Status = -58
	InvalidOperation                   Status = -59
	InvalidBufferSize                  Status = -61
)

var statusNames = map[Status]string{
	Success:                            "CL_SUCCESS",
	DeviceNotFound:                     "CL_DEVICE_NOT_FOUND",
	DeviceNotAvailable:                 "CL_DEVICE_NOT_AVAILABLE",
	CompilerNotAvailable:               "CL_COMPILER_NOT_AVAILABLE",
	MemObjectAllocationFailure:         "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	OutOfResources:                     "CL_OUT_OF_RESOURCES",
	OutOfHostMemory:                    "CL_OUT_OF_HOST_MEMORY",
	ProfilingInfoNotAvailable:          "CL_PROFILING_INFO_NOT_AVAILABLE",
	BuildProgramFailure:                "CL_BUILD_PROGRAM_FAILURE",
	ExecStatusErrorForEventsInWaitList: "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	InvalidValue:                       "CL_INVALID_VALUE",
	InvalidDeviceType:                  "CL_INVALID_DEVICE_TYPE",
	InvalidPlatform:                    "CL_INVALID_PLATFORM",
	InvalidDevice:                      "CL_INVALID_DEVICE",
	InvalidContext:                     "CL_INVALID_CONTEXT",
	InvalidCommandQueue:                "CL_INVALID_COMMAND_QUEUE",
	InvalidHostPtr:                     "CL_INVALID_HOST_PTR",
	InvalidMemObject:                   "CL_INVALID_MEM_OBJECT",
	InvalidBinary:                      "CL_INVALID_BINARY",
	InvalidProgram:                     "CL_INVALID_PROGRAM",
	InvalidKernelName:                  "CL_INVALID_KERNEL_NAME",
	InvalidKernel:                      "CL_INVALID_KERNEL",
	InvalidArgIndex:                    "CL_INVALID_ARG_INDEX",
	InvalidArgValue:                    "CL_INVALID_ARG_VALUE",
	InvalidArgSize:                     "CL_INVALID_ARG_SIZE",
	InvalidEvent:                       "CL_INVALID_EVENT",
	InvalidOperation:                   "CL_INVALID_OPERATION",
	InvalidBufferSize:                  "CL_INVALID_BUFFER_SIZE",
}

// String returns the name of the status code, as in the OpenCL headers.
func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("CL_UNKNOWN_STATUS(%d)", int32(s))
}

// Error is returned by accelerator API calls that don't succeed.
type Error struct {
	// Call is the name of the API call that failed, e.g. "clEnqueueMigrateMemObjects".
	Call   string
	Status Status
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Call, e.Status, int32(e.Status))
}

// NewError returns an *Error for the call, or nil if status is Success.
func NewError(call string, status Status) error {
	if status == Success {
		return nil
	}
	return &Error{Call: call, Status: status}
}

// StatusOf returns the status code carried by err, if it (or any error it wraps) is an *Error.
func StatusOf(err error) (Status, bool) {
	var clErr *Error
	if errors.As(err, &clErr) {
		return clErr.Status, true
	}
	return Success, false
}
