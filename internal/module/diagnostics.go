package module

import "sync"

// outputTail is a fixed-size circular buffer of a module's recent stderr
// lines, adapted from the teacher's processmgr logBuffer
// (internal/infrastructure/processmgr/log_buffer.go). The teacher keyed
// one buffer per numeric slot and fed it from both stdout and stderr for
// an operator-facing tail; here each Module owns exactly one, fed only
// from stderr (stdout is domain data routed to listeners, not a log), and
// it exists solely to give logExit's abnormal-exit diagnostic dump
//(spew.Sdump) something to show.
type outputTail struct {
	entries [64]string
	head    int
	size    int
	full    bool
	mu      sync.Mutex
}

func (b *outputTail) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	const capN = len(b.entries)
	b.entries[b.head] = line
	b.head = (b.head + 1) % capN

	if b.full {
		return
	}
	b.size++
	if b.size == capN {
		b.full = true
	}
}

// lines returns the buffered lines, oldest to newest.
func (b *outputTail) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	const capN = len(b.entries)
	if b.size == 0 {
		return nil
	}

	result := make([]string, b.size)
	var oldest int
	if b.full {
		oldest = b.head
	}
	for i := 0; i < b.size; i++ {
		result[i] = b.entries[(oldest+i)%capN]
	}
	return result
}
