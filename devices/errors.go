// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"github.com/gomlx/frt/pkg/bitstream"
	"github.com/pkg/errors"
)

var (
	// ErrUnrecognizedBitstream is returned when no backend accepts the bitstream.
	// It is the same error as bitstream.ErrUnrecognizedContainer.
	ErrUnrecognizedBitstream = bitstream.ErrUnrecognizedContainer

	// ErrPlatformNotFound is returned when no platform matches the vendor of the bitstream.
	ErrPlatformNotFound = errors.New("target platform not found")

	// ErrDeviceNotFound is returned when no available device matches the target of the bitstream.
	ErrDeviceNotFound = errors.New("target device not found")

	// ErrArgIndexOutOfRange is returned when binding an index not in the argument table.
	// It is the same error as bitstream.ErrArgIndexOutOfRange.
	ErrArgIndexOutOfRange = bitstream.ErrArgIndexOutOfRange

	// ErrCategoryMismatch is returned when binding an argument as the wrong category, e.g. a buffer to a scalar.
	ErrCategoryMismatch = errors.New("argument category mismatch")

	// ErrStreamingUnsupported is returned by backends that can't bind stream arguments.
	ErrStreamingUnsupported = errors.New("streaming not supported")

	// ErrStreamNotAttached is returned by transfers on stream channels not attached to any argument.
	ErrStreamNotAttached = errors.New("stream not attached")
)

// CheckArg returns the argument at index, or an error if index is out of range or if the argument's category
// is not the one wanted. Uncategorized arguments (unknown vendor codes) accept any binding.
func CheckArg(args []ArgInfo, index int, want bitstream.Category) (ArgInfo, error) {
	if index < 0 || index >= len(args) {
		return ArgInfo{}, errors.Wrapf(ErrArgIndexOutOfRange, "cannot set argument #%d: there are only %d arguments", index, len(args))
	}
	arg := args[index]
	if arg.Category != want && arg.Category != bitstream.CategoryUnknown {
		return arg, errors.Wrapf(ErrCategoryMismatch, "cannot set argument #%d %q as %s: it is a %s", index, arg.Name, want, arg.Category)
	}
	return arg, nil
}
