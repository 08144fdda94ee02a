// Package proc provides kernel tasks: schedulable units with their
// own kernel stack, a saved context, a priority and an intrusive
// ready-queue link. The context-switch instruction sequence is behind
// a function hook; under the host runtime each task body runs on a
// parked goroutine that the scheduler unparks, which preserves the
// handoff discipline exactly.
package proc

import "runtime"
import "sync/atomic"

import "cpud"
import "defs"
import "lock"
import "mem"
import "vm"

/// Task priorities; the ready queue serves real-time first, fair
/// tasks next and the idle class last.
type Priority_t int

const (
	PRIRT Priority_t = iota
	PRINORMAL
	PRIIDLE
	prilast
)

/// Task states.
type Status_t int32

const (
	RUNNABLE Status_t = iota
	SLEEPING
	EXITED
)

// KSTACKPAGES is the kernel stack size in pages.
const KSTACKPAGES = 8

/// Taskcontext_t holds the callee-saved registers and the resume RIP
/// saved by the switch sequence.
type Taskcontext_t struct {
	Rsp uintptr
	Rbp uintptr
	Rbx uintptr
	R12 uintptr
	R13 uintptr
	R14 uintptr
	R15 uintptr
	Rip uintptr
}

// Ctxswitchfn saves the current context and loads the next. The
// bare-metal build points it at the arch stub; the default is empty
// because the goroutine handoff below carries the execution state.
var Ctxswitchfn func(old, next *Taskcontext_t) = func(old, next *Taskcontext_t) {}

/// Task_t is one kernel-schedulable unit.
type Task_t struct {
	lk   lock.Spinlock_t
	tid  defs.Tid_t
	fn   func(interface{})
	data interface{}
	us   *vm.Vmspace_t
	pri  Priority_t
	// the task owns its kernel stack
	stack  *mem.Seg_t
	status Status_t
	ctx    Taskcontext_t
	// intrusive ready-queue links
	next *Task_t
	prev *Task_t
	// the parked body; one slot so a handoff never blocks the sender
	runch chan struct{}
	done  chan struct{}
}

/// Tid returns the task id.
func (t *Task_t) Tid() defs.Tid_t {
	return t.tid
}

/// Priority returns the task's priority class.
func (t *Task_t) Priority() Priority_t {
	return t.pri
}

/// Status returns the task's current state.
func (t *Task_t) Status() Status_t {
	return Status_t(atomic.LoadInt32((*int32)(&t.status)))
}

func (t *Task_t) setstatus(s Status_t) {
	atomic.StoreInt32((*int32)(&t.status), int32(s))
}

/// Userspace returns the task's user address space, if any.
func (t *Task_t) Userspace() *vm.Vmspace_t {
	return t.us
}

/// Waitexit blocks until the task has exited. Test and reaper glue;
/// not a scheduler path.
func (t *Task_t) Waitexit() {
	<-t.done
}

// intrusive FIFO per priority class
type tasklist_t struct {
	head *Task_t
	tail *Task_t
}

func (tl *tasklist_t) push(t *Task_t) {
	t.next = nil
	t.prev = tl.tail
	if tl.tail != nil {
		tl.tail.next = t
	} else {
		tl.head = t
	}
	tl.tail = t
}

func (tl *tasklist_t) pop() *Task_t {
	t := tl.head
	if t == nil {
		return nil
	}
	tl.head = t.next
	if tl.head != nil {
		tl.head.prev = nil
	} else {
		tl.tail = nil
	}
	t.next, t.prev = nil, nil
	return t
}

// the ready queue; taken with interrupts disabled.
type runq_t struct {
	lk    lock.Spinlock_t
	lists [prilast]tasklist_t
}

var runq runq_t

func (rq *runq_t) push(t *Task_t) {
	g := rq.lk.Lockirq()
	rq.lists[t.pri].push(t)
	rq.lk.Unlockirq(g)
}

func (rq *runq_t) pop() *Task_t {
	g := rq.lk.Lockirq()
	defer rq.lk.Unlockirq(g)
	for pri := range rq.lists {
		if t := rq.lists[pri].pop(); t != nil {
			return t
		}
	}
	return nil
}

// the running task, located through CPU-local storage.
var curtask cpud.Cpulocal_t[*Task_t]

/// Current returns the task running on the caller's CPU. The caller
/// pins itself for the lookup.
func Current() *Task_t {
	g := cpud.Preemptdisable()
	t := *curtask.Getwith(g)
	g.Restore()
	return t
}

func setcurrent(t *Task_t) {
	g := cpud.Preemptdisable()
	*curtask.Getwith(g) = t
	g.Restore()
}

var tids int64

func mktid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt64(&tids, 1))
}

/// Inittask adopts the calling thread as a running task so early boot
/// code can yield before the first spawn.
func Inittask() *Task_t {
	t := &Task_t{
		tid:   mktid(),
		pri:   PRINORMAL,
		runch: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	setcurrent(t)
	return t
}

/// Taskoptions_t is the spawn builder.
type Taskoptions_t struct {
	fn   func(interface{})
	data interface{}
	us   *vm.Vmspace_t
	pri  Priority_t
}

/// Mktask starts building a task around fn.
func Mktask(fn func(interface{})) *Taskoptions_t {
	return &Taskoptions_t{fn: fn, pri: PRINORMAL}
}

/// Data boxes the argument handed to the task function.
func (o *Taskoptions_t) Data(d interface{}) *Taskoptions_t {
	o.data = d
	return o
}

/// Userspace attaches a user address space.
func (o *Taskoptions_t) Userspace(us *vm.Vmspace_t) *Taskoptions_t {
	o.us = us
	return o
}

/// Priority selects the scheduling class.
func (o *Taskoptions_t) Priority(p Priority_t) *Taskoptions_t {
	o.pri = p
	return o
}

/// Spawn allocates the kernel stack, builds the entry trampoline and
/// pushes the task onto the ready queue in one step.
func (o *Taskoptions_t) Spawn() (*Task_t, defs.Err_t) {
	if o.fn == nil || o.pri < PRIRT || o.pri >= prilast {
		return nil, -defs.EINVAL
	}
	stack, err := mem.Allocopts_t{
		Count:  KSTACKPAGES,
		Zeroed: true,
		Meta:   mem.Kstack_t{},
	}.Alloc()
	if err != 0 {
		return nil, err
	}
	t := &Task_t{
		tid:    mktid(),
		fn:     o.fn,
		data:   o.data,
		us:     o.us,
		pri:    o.pri,
		stack:  stack,
		runch:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		status: RUNNABLE,
	}
	// the trampoline enters the task function and falls into Exit
	t.ctx.Rsp = uintptr(stack.End())
	go func() {
		<-t.runch
		t.fn(t.data)
		Exit()
	}()
	runq.push(t)
	return t, 0
}

// scheduler entry reasons
const (
	schedyield = iota
	schedblock
	schedexit
)

// schedule picks the next runnable task and switches to it. A
// yielding task is already back on the ready queue; a blocking or
// exiting one is not.
func schedule(cur *Task_t, why int) {
	next := runq.pop()
	if next == cur {
		// sole runnable task; keep running
		return
	}
	if next == nil {
		switch why {
		case schedexit:
			setcurrent(nil)
			return
		default:
			defs.Kpanic("no runnable tasks")
		}
	}
	// the switch sequence runs with interrupts off
	g := cpud.Irqdisable()
	setcurrent(next)
	Ctxswitchfn(&cur.ctx, &next.ctx)
	g.Restore()
	next.runch <- struct{}{}
	if why != schedexit {
		<-cur.runch
	}
}

/// Yieldnow gives the CPU away; the task resumes once the scheduler
/// picks it again.
func Yieldnow() {
	cur := Current()
	if cur == nil {
		defs.Kpanic("yield with no current task")
	}
	runq.push(cur)
	schedule(cur, schedyield)
}

/// Block parks the current task as sleeping until Wakeup.
func Block() {
	cur := Current()
	if cur == nil {
		defs.Kpanic("block with no current task")
	}
	cur.setstatus(SLEEPING)
	schedule(cur, schedblock)
}

/// Wakeup makes a sleeping task runnable again.
func (t *Task_t) Wakeup() {
	if t.Status() != SLEEPING {
		defs.Kpanic("wakeup of non-sleeping task %d", t.tid)
	}
	t.setstatus(RUNNABLE)
	runq.push(t)
}

/// Exit terminates the current task: the status flips to EXITED, the
/// kernel stack is freed and the CPU moves to the next runnable task.
/// It does not return.
func Exit() {
	cur := Current()
	if cur == nil {
		defs.Kpanic("exit with no current task")
	}
	cur.setstatus(EXITED)
	if cur.stack != nil {
		cur.stack.Free()
		cur.stack = nil
	}
	close(cur.done)
	schedule(cur, schedexit)
	runtimegoexit()
}

// runtimegoexit ends the task body; a hook so an adopted task can
// observe Exit in tests.
var runtimegoexit = runtime.Goexit
