package app

import "sync"

var (
	bootDiagMu   sync.Mutex
	bootDiagStep string
)

func bootDiagSetStep(msg string) {
	bootDiagMu.Lock()
	bootDiagStep = msg
	bootDiagMu.Unlock()
}

// bootDiagCurrent returns the last boot step entered.
func bootDiagCurrent() string {
	bootDiagMu.Lock()
	defer bootDiagMu.Unlock()
	return bootDiagStep
}
