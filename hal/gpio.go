package hal

import (
	"fmt"
	"sync"
)

// virtualPin is an output pin kept in memory. An optional hook observes
// level changes, which is how simulated peripherals see chip select and
// reset.
type virtualPin struct {
	mu       sync.Mutex
	name     string
	level    bool
	edges    int
	onChange func(level bool)
}

func newVirtualPin(name string, initial bool, onChange func(level bool)) *virtualPin {
	return &virtualPin{name: name, level: initial, onChange: onChange}
}

func (p *virtualPin) High() { p.set(true) }
func (p *virtualPin) Low()  { p.set(false) }

func (p *virtualPin) set(level bool) {
	p.mu.Lock()
	changed := p.level != level
	p.level = level
	if changed {
		p.edges++
	}
	hook := p.onChange
	p.mu.Unlock()
	if changed && hook != nil {
		hook(level)
	}
}

// Level returns the current output level.
func (p *virtualPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Edges returns how many times the level changed.
func (p *virtualPin) Edges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.edges
}

func (p *virtualPin) String() string {
	if p.Level() {
		return fmt.Sprintf("%s=HIGH", p.name)
	}
	return fmt.Sprintf("%s=LOW", p.name)
}

// virtualIRQ is an interrupt line raised by a simulated peripheral.
type virtualIRQ struct {
	mu sync.Mutex
	fn func()
}

func (l *virtualIRQ) Enable(fn func()) error {
	if fn == nil {
		return fmt.Errorf("irq: nil handler")
	}
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
	return nil
}

func (l *virtualIRQ) Disable() {
	l.mu.Lock()
	l.fn = nil
	l.mu.Unlock()
}

func (l *virtualIRQ) trigger() {
	l.mu.Lock()
	fn := l.fn
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}
