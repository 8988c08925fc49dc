package kernel

import "fmt"

// PanicInfo contains details about a fatal fault.
type PanicInfo struct {
	TaskID TaskID
	Task   string
	Value  any
	Stack  []byte
}

// SetFatalHandler installs the handler invoked on the first fatal fault.
//
// The handler is invoked at most once. It must not panic; on hardware it is
// expected not to return.
func (k *Kernel) SetFatalHandler(fn func(PanicInfo)) {
	k.onFatal = fn
}

// Fatal reports whether the kernel stopped on a fatal fault.
func (k *Kernel) Fatal() *FatalError {
	return k.fatal
}

func (k *Kernel) raise(info PanicInfo) {
	if k.fatal != nil {
		return
	}
	err, ok := info.Value.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", info.Value)
	}
	k.fatal = &FatalError{TaskID: info.TaskID, Task: info.Task, Err: err}
	if info.Stack == nil {
		info.Stack = captureStack()
	}
	if k.onFatal != nil {
		k.onFatal(info)
	}
}
