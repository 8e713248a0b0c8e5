package supervisor

import "sync"

// logBuffer is an append-only line buffer with multi-subscriber fan-out.
// Every subscriber receives the full buffered history first, then the live
// tail, in emission order. Each subscriber reads at its own pace through a
// private cursor, so a slow subscriber only ever blocks itself.
type logBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lines  []string
	closed bool
}

func newLogBuffer() *logBuffer {
	b := &logBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds a line. Appends after Close are dropped.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lines = append(b.lines, line)
	b.cond.Broadcast()
}

// Close marks the stream complete. Subscribers drain remaining history and
// then their channels close naturally.
func (b *logBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// Lines returns a copy of the buffered history.
func (b *logBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Subscribe returns a channel of history-then-tail lines and a cancel
// function. The channel closes when the buffer is closed and drained, or
// when cancel is called.
func (b *logBuffer) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.cond.Broadcast()
		})
	}

	go func() {
		defer close(ch)
		cursor := 0
		for {
			b.mu.Lock()
			for cursor >= len(b.lines) && !b.closed && !cancelled(done) {
				b.cond.Wait()
			}
			if cancelled(done) || (cursor >= len(b.lines) && b.closed) {
				b.mu.Unlock()
				return
			}
			line := b.lines[cursor]
			cursor++
			b.mu.Unlock()

			select {
			case ch <- line:
			case <-done:
				return
			}
		}
	}()

	return ch, cancel
}

func cancelled(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
