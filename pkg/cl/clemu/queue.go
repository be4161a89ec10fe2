// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clemu

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/frt/pkg/cl"
	"github.com/gomlx/frt/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event implements cl.Event.
type Event struct {
	command   string
	profiling bool
	done      *xsync.Latch

	// Timestamps are written before done is triggered.
	queued, submit, start, end int64
}

var _ cl.Event = (*Event)(nil)

// Command returns the name of the API call that enqueued the command, e.g. "clEnqueueTask".
func (e *Event) Command() string { return e.command }

// Wait implements cl.Event.
func (e *Event) Wait() error {
	return e.done.Wait()
}

// ProfilingInfo implements cl.Event.
func (e *Event) ProfilingInfo(info cl.ProfilingInfo) (int64, error) {
	const call = "clGetEventProfilingInfo"
	if !e.profiling || !e.done.Test() {
		return 0, cl.NewError(call, cl.ProfilingInfoNotAvailable)
	}
	switch info {
	case cl.ProfilingQueued:
		return e.queued, nil
	case cl.ProfilingSubmit:
		return e.submit, nil
	case cl.ProfilingStart:
		return e.start, nil
	case cl.ProfilingEnd:
		return e.end, nil
	}
	return 0, cl.NewError(call, cl.InvalidValue)
}

// CommandQueue implements cl.CommandQueue.
//
// Commands wait for their wait list (and, for in-order queues, for the previous command) before
// being submitted to the runtime's pool of workers.
type CommandQueue struct {
	context     *Context
	runtime     *Runtime
	outOfOrder  bool
	profiling   bool
	outstanding *xsync.DynamicWaitGroup

	mu       sync.Mutex
	last     *Event
	released bool
}

var _ cl.CommandQueue = (*CommandQueue)(nil)

func newQueue(c *Context, properties cl.QueueProperties) *CommandQueue {
	return &CommandQueue{
		context:     c,
		runtime:     c.device.runtime,
		outOfOrder:  properties&cl.QueueOutOfOrderExecModeEnable != 0,
		profiling:   properties&cl.QueueProfilingEnable != 0,
		outstanding: xsync.NewDynamicWaitGroup(),
	}
}

// enqueue schedules run after the events in waitList complete, and returns its event.
func (q *CommandQueue) enqueue(command string, blocking bool, waitList []cl.Event, run func() error) (cl.Event, error) {
	deps := make([]*Event, 0, len(waitList)+1)
	for _, e := range waitList {
		dep, ok := e.(*Event)
		if !ok || dep == nil {
			return nil, cl.NewError(command, cl.InvalidEvent)
		}
		deps = append(deps, dep)
	}
	event := &Event{
		command:   command,
		profiling: q.profiling,
		done:      xsync.NewLatch(),
	}
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil, cl.NewError(command, cl.InvalidCommandQueue)
	}
	if !q.outOfOrder && q.last != nil {
		deps = append(deps, q.last)
	}
	q.last = event
	q.outstanding.Add()
	q.mu.Unlock()

	r := q.runtime
	event.queued = r.now()
	go func() {
		for _, dep := range deps {
			if err := dep.Wait(); err != nil {
				err = errors.WithMessagef(cl.NewError(command, cl.ExecStatusErrorForEventsInWaitList),
					"dependency %s failed: %v", dep.command, err)
				event.submit = r.now()
				event.start, event.end = event.submit, event.submit
				event.done.Trigger(err)
				q.outstanding.Done(err)
				return
			}
		}
		event.submit = r.now()
		r.pool.WaitToStart(func() {
			event.start = r.now()
			var err error
			exception := exceptions.Try(func() { err = run() })
			if exception != nil {
				if panicErr, ok := exception.(error); ok {
					err = errors.WithMessagef(panicErr, "%s panicked", command)
				} else {
					err = errors.Errorf("%s panicked: %v", command, exception)
				}
			}
			event.end = r.now()
			if err != nil {
				klog.V(1).Infof("clemu: %s failed: %v", command, err)
			}
			event.done.Trigger(err)
			q.outstanding.Done(err)
		})
	}()
	if blocking {
		if err := event.Wait(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// EnqueueMigrateMemObjects implements cl.CommandQueue.
func (q *CommandQueue) EnqueueMigrateMemObjects(buffers []cl.Buffer, flags cl.MigrateFlags, waitList []cl.Event) (cl.Event, error) {
	const command = "clEnqueueMigrateMemObjects"
	if len(buffers) == 0 {
		return nil, cl.NewError(command, cl.InvalidValue)
	}
	bufs, err := q.ownBuffers(command, buffers)
	if err != nil {
		return nil, err
	}
	toHost := flags&cl.MigrateToHost != 0
	contentUndefined := flags&cl.MigrateContentUndefined != 0
	return q.enqueue(command, false, waitList, func() error {
		var moved int
		for _, b := range bufs {
			moved += b.migrate(toHost, contentUndefined)
		}
		q.runtime.bytesTransferred.Add(int64(moved))
		return nil
	})
}

// EnqueueWriteBuffer implements cl.CommandQueue. The source is copied when the command runs.
func (q *CommandQueue) EnqueueWriteBuffer(buffer cl.Buffer, blocking bool, offset int, src []byte, waitList []cl.Event) (cl.Event, error) {
	const command = "clEnqueueWriteBuffer"
	bufs, err := q.ownBuffers(command, []cl.Buffer{buffer})
	if err != nil {
		return nil, err
	}
	return q.enqueue(command, blocking, waitList, func() error {
		if err := bufs[0].write(offset, src); err != nil {
			return err
		}
		q.runtime.bytesTransferred.Add(int64(len(src)))
		return nil
	})
}

// EnqueueReadBuffer implements cl.CommandQueue.
func (q *CommandQueue) EnqueueReadBuffer(buffer cl.Buffer, blocking bool, offset int, dst []byte, waitList []cl.Event) (cl.Event, error) {
	const command = "clEnqueueReadBuffer"
	bufs, err := q.ownBuffers(command, []cl.Buffer{buffer})
	if err != nil {
		return nil, err
	}
	return q.enqueue(command, blocking, waitList, func() error {
		if err := bufs[0].read(offset, dst); err != nil {
			return err
		}
		q.runtime.bytesTransferred.Add(int64(len(dst)))
		return nil
	})
}

// EnqueueTask implements cl.CommandQueue. The kernel arguments are captured at the time of the call.
func (q *CommandQueue) EnqueueTask(kernel cl.Kernel, waitList []cl.Event) (cl.Event, error) {
	const command = "clEnqueueTask"
	k, ok := kernel.(*Kernel)
	if !ok || k.program.context != q.context {
		return nil, cl.NewError(command, cl.InvalidKernel)
	}
	inv := k.snapshot()
	return q.enqueue(command, false, waitList, func() error {
		if err := k.fn(inv); err != nil {
			return errors.WithMessagef(err, "kernel %q failed", k.name)
		}
		return nil
	})
}

// Flush implements cl.CommandQueue. Commands are always submitted as soon as their dependencies complete.
func (q *CommandQueue) Flush() error { return nil }

// Finish implements cl.CommandQueue. It returns the first failure of the commands completed since the previous Finish.
func (q *CommandQueue) Finish() error {
	if err := q.outstanding.Wait(); err != nil {
		return errors.WithMessagef(err, "clFinish")
	}
	return nil
}

// Release implements cl.CommandQueue. Commands already enqueued still run.
func (q *CommandQueue) Release() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = true
	return nil
}

func (q *CommandQueue) ownBuffers(command string, buffers []cl.Buffer) ([]*Buffer, error) {
	bufs := make([]*Buffer, len(buffers))
	for i, buffer := range buffers {
		b, ok := buffer.(*Buffer)
		if !ok || b == nil || b.context != q.context {
			return nil, cl.NewError(command, cl.InvalidMemObject)
		}
		bufs[i] = b
	}
	return bufs, nil
}
