package run

// Script is one executable step of a Run.
type Script struct {
	// Absolute path of the executable.
	Path string
	// Directory the script is executed in.
	Cwd string
	// If true the script still runs after the Run has been aborted with respectRunOnAbort.
	RunOnAbort bool
}

// scriptQueue is the FIFO of scripts a Run has yet to execute.
type scriptQueue struct {
	scripts []Script
}

func (q *scriptQueue) push(s Script) {
	q.scripts = append(q.scripts, s)
}

func (q *scriptQueue) pop() (Script, bool) {
	if len(q.scripts) == 0 {
		return Script{}, false
	}
	s := q.scripts[0]
	q.scripts[0] = Script{}
	q.scripts = q.scripts[1:]
	return s, true
}

func (q *scriptQueue) len() int {
	return len(q.scripts)
}

// filter drops every queued script for which keep returns false, preserving order.
func (q *scriptQueue) filter(keep func(Script) bool) {
	kept := q.scripts[:0]
	for _, s := range q.scripts {
		if keep(s) {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(q.scripts); i++ {
		q.scripts[i] = Script{}
	}
	q.scripts = kept
}

func (q *scriptQueue) clear() {
	q.scripts = nil
}

func (q *scriptQueue) snapshot() []Script {
	out := make([]Script, len(q.scripts))
	copy(out, q.scripts)
	return out
}
