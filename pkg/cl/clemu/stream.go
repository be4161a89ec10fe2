// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clemu

import (
	"sync"

	"github.com/gomlx/frt/internal/workerspool"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type chunk struct {
	data []byte
	eot  bool
	tag  string
}

// Stream implements cl.Stream: an unbuffered pipe of chunks between the host and one kernel argument.
type Stream struct {
	runtime  *Runtime
	flags    cl.StreamFlags
	kernel   string
	argIndex int

	chunks      chan chunk
	released    chan struct{}
	releaseOnce sync.Once

	// muRead serializes host reads, and protects the residual of the last chunk received.
	muRead   sync.Mutex
	residual chunk
}

var _ cl.Stream = (*Stream)(nil)

func newStream(r *Runtime, flags cl.StreamFlags, kernel string, argIndex int) *Stream {
	return &Stream{
		runtime:  r,
		flags:    flags,
		kernel:   kernel,
		argIndex: argIndex,
		chunks:   make(chan chunk),
		released: make(chan struct{}),
	}
}

// Write implements cl.Stream. It blocks until the kernel receives the chunk.
func (s *Stream) Write(src []byte, req cl.StreamXferReq) error {
	if s.flags != cl.StreamReadOnly {
		return errors.WithMessagef(cl.NewError("clWriteStream", cl.InvalidOperation),
			"stream %q to kernel %q argument #%d is not read by the kernel", req.Tag, s.kernel, s.argIndex)
	}
	c := chunk{data: append([]byte(nil), src...), eot: req.EOT, tag: req.Tag}
	select {
	case s.chunks <- c:
	case <-s.released:
		return errors.WithMessagef(cl.NewError("clWriteStream", cl.InvalidMemObject), "stream %q released", req.Tag)
	}
	s.runtime.bytesTransferred.Add(int64(len(src)))
	klog.V(2).Infof("clemu: stream %q wrote %d bytes (eot=%v)", req.Tag, len(src), req.EOT)
	return nil
}

// Read implements cl.Stream. It blocks until exactly len(dst) bytes have been received from the kernel.
// Bytes of the last chunk beyond len(dst) are kept for the next Read.
func (s *Stream) Read(dst []byte, req cl.StreamXferReq) error {
	if s.flags != cl.StreamWriteOnly {
		return errors.WithMessagef(cl.NewError("clReadStream", cl.InvalidOperation),
			"stream %q from kernel %q argument #%d is not written by the kernel", req.Tag, s.kernel, s.argIndex)
	}
	s.muRead.Lock()
	defer s.muRead.Unlock()
	filled := 0
	for filled < len(dst) {
		if len(s.residual.data) == 0 {
			if s.residual.eot {
				s.residual.eot = false
				return errors.WithMessagef(cl.NewError("clReadStream", cl.InvalidOperation),
					"stream %q: kernel ended the transfer after %d of %d bytes", req.Tag, filled, len(dst))
			}
			select {
			case s.residual = <-s.chunks:
			case <-s.released:
				return errors.WithMessagef(cl.NewError("clReadStream", cl.InvalidMemObject), "stream %q released", req.Tag)
			}
		}
		n := copy(dst[filled:], s.residual.data)
		s.residual.data = s.residual.data[n:]
		filled += n
	}
	if len(s.residual.data) == 0 {
		s.residual.eot = false
	}
	s.runtime.bytesTransferred.Add(int64(len(dst)))
	klog.V(2).Infof("clemu: stream %q read %d bytes", req.Tag, len(dst))
	return nil
}

// Release implements cl.Stream. Pending and future transfers fail.
func (s *Stream) Release() error {
	s.releaseOnce.Do(func() { close(s.released) })
	return nil
}

// KernelStream is the kernel end of a Stream.
type KernelStream struct {
	stream *Stream
	pool   *workerspool.Pool
}

// Recv blocks until the host writes the next chunk, and returns it with its end-of-transfer flag.
func (ks *KernelStream) Recv() (data []byte, eot bool, err error) {
	s := ks.stream
	if s.flags != cl.StreamReadOnly {
		return nil, false, errors.Errorf("kernel %q: stream argument #%d is write-only", s.kernel, s.argIndex)
	}
	ks.pool.WorkerIsAsleep()
	defer ks.pool.WorkerRestarted()
	select {
	case c := <-s.chunks:
		return c.data, c.eot, nil
	case <-s.released:
		return nil, false, errors.Errorf("kernel %q: stream argument #%d released", s.kernel, s.argIndex)
	}
}

// Send blocks until the host reads the chunk (or the part of it that fills its read).
func (ks *KernelStream) Send(data []byte, eot bool) error {
	s := ks.stream
	if s.flags != cl.StreamWriteOnly {
		return errors.Errorf("kernel %q: stream argument #%d is read-only", s.kernel, s.argIndex)
	}
	ks.pool.WorkerIsAsleep()
	defer ks.pool.WorkerRestarted()
	select {
	case s.chunks <- chunk{data: append([]byte(nil), data...), eot: eot}:
		return nil
	case <-s.released:
		return errors.Errorf("kernel %q: stream argument #%d released", s.kernel, s.argIndex)
	}
}
