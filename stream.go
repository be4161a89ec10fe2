// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frt

import (
	"sync"

	"github.com/gomlx/frt/devices"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// channel is the part shared by ReadStream and WriteStream: the name and the attachment to a kernel argument.
type channel struct {
	name string

	mu     sync.Mutex
	stream cl.Stream
}

// Name of the stream, used to tag its transfers.
func (c *channel) Name() string { return c.name }

// Kind implements Arg.
func (c *channel) Kind() ArgKind { return ArgStream }

// Attach implements devices.StreamChannel. A previous attachment is released.
func (c *channel) Attach(stream cl.Stream) error {
	c.mu.Lock()
	previous := c.stream
	c.stream = stream
	c.mu.Unlock()
	if previous != nil && previous != stream {
		if err := previous.Release(); err != nil {
			klog.Warningf("failed to release previous attachment of stream %q: %v", c.name, err)
		}
	}
	return nil
}

// attached returns the current attachment.
func (c *channel) attached() (cl.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, errors.Wrapf(devices.ErrStreamNotAttached, "stream %q", c.name)
	}
	return c.stream, nil
}

// IsAttached returns whether the stream is attached to a kernel argument.
func (c *channel) IsAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Release detaches the stream. Pending transfers fail.
func (c *channel) Release() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Release()
}

// ReadStream is a persistent stream from the device to the host: the kernel writes to it, the caller reads.
//
// It becomes attached when used as an argument of an Instance. Transfers block until complete, so streams
// are usually driven each from its own goroutine.
type ReadStream struct {
	channel
}

var (
	_ Arg                   = (*ReadStream)(nil)
	_ devices.StreamChannel = (*ReadStream)(nil)
)

// NewReadStream creates a stream from the device to the host.
func NewReadStream(name string) *ReadStream {
	return &ReadStream{channel{name: name}}
}

// Read blocks until exactly len(dst) bytes are received. eot marks the last read of a transfer.
func (s *ReadStream) Read(dst []byte, eot bool) error {
	stream, err := s.attached()
	if err != nil {
		return err
	}
	return errors.WithMessagef(stream.Read(dst, cl.StreamXferReq{EOT: eot, Tag: s.name}), "stream %q", s.name)
}

// WriteStream is a persistent stream from the host to the device: the caller writes to it, the kernel reads.
//
// It becomes attached when used as an argument of an Instance. Transfers block until complete, so streams
// are usually driven each from its own goroutine.
type WriteStream struct {
	channel
}

var (
	_ Arg                   = (*WriteStream)(nil)
	_ devices.StreamChannel = (*WriteStream)(nil)
)

// NewWriteStream creates a stream from the host to the device.
func NewWriteStream(name string) *WriteStream {
	return &WriteStream{channel{name: name}}
}

// Write blocks until src is transferred. eot marks the last chunk of a transfer.
func (s *WriteStream) Write(src []byte, eot bool) error {
	stream, err := s.attached()
	if err != nil {
		return err
	}
	return errors.WithMessagef(stream.Write(src, cl.StreamXferReq{EOT: eot, Tag: s.name}), "stream %q", s.name)
}

// ReadElements blocks until len(dst) elements are received from s. eot marks the last read of a transfer.
func ReadElements[T ScalarType](s *ReadStream, dst []T, eot bool) error {
	return s.Read(bytesOf(dst), eot)
}

// WriteElements blocks until the elements of src are transferred to s. eot marks the last chunk of a transfer.
func WriteElements[T ScalarType](s *WriteStream, src []T, eot bool) error {
	return s.Write(bytesOf(src), eot)
}

// streamDirection returns the direction of the data for the host.
func streamDirection(arg Arg) devices.Direction {
	if _, ok := arg.(*ReadStream); ok {
		return devices.DirectionOutput
	}
	return devices.DirectionInput
}
