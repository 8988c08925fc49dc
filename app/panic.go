package app

import (
	"fmt"
	"strings"
	"time"

	"pinode/hal"
	"pinode/kernel"
)

// haltBlink is the LED period while halted.
const haltBlink = 250 * time.Millisecond

func installFatalHandler(k *kernel.Kernel, h hal.HAL) {
	k.SetFatalHandler(func(info kernel.PanicInfo) {
		l := h.Logger()
		if l == nil {
			return
		}
		l.WriteLineString(fmt.Sprintf("pinode fatal: task=%s(%d) err=%v", info.Task, info.TaskID, info.Value))
		if len(info.Stack) == 0 {
			l.WriteLineString("stack: unavailable")
			return
		}
		for _, line := range strings.Split(string(info.Stack), "\n") {
			if line == "" {
				continue
			}
			l.WriteLineString(line)
		}
	})
}

// halt blinks the LED forever.
func halt(h hal.HAL) {
	led := h.LED()
	if led == nil {
		select {}
	}
	for on := true; ; on = !on {
		if on {
			led.High()
		} else {
			led.Low()
		}
		h.Sleep(haltBlink)
	}
}
