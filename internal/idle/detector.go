// Package idle classifies what the agent in a session is doing from its
// terminal output and from activity in its working directory.
package idle

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

const (
	// DefaultStallAfter is how long a working session may go without output
	// or file activity before it is reported as stalled.
	DefaultStallAfter = 2 * time.Minute

	// DefaultTailSize bounds the output kept for classification.
	DefaultTailSize = 4096

	// linesExamined is how many trailing non-empty lines are classified.
	linesExamined = 6
)

var (
	// Status lines an agent prints only while busy.
	busyPattern = regexp.MustCompile(`(?i)esc to interrupt|ctrl\+c to interrupt|\b(thinking|running|compiling|installing|building)…`)

	errorPattern = regexp.MustCompile(`(?i)^(error|fatal|panic)\b[:!]|\bAPI Error\b|Traceback \(most recent call last\)|Interrupted by user`)

	questionPattern = regexp.MustCompile(`\([yY]/[nN]\)|\([yY]es/[nN]o\)`)
	menuPattern     = regexp.MustCompile(`Do you want to (create|write|delete|modify|update|remove|edit|overwrite|proceed|make this edit).*\?`)
	promptPattern   = regexp.MustCompile(`(\?|>|\$|#|[❯›]|Continue\?|Proceed\?)$`)
)

// Config configures a Detector.
type Config struct {
	// StallAfter defaults to DefaultStallAfter.
	StallAfter time.Duration

	// TailSize defaults to DefaultTailSize.
	TailSize int

	// OnChange is called, outside the detector's lock, each time the state
	// changes.
	OnChange func(protocol.IdleState)

	afterFunc func(time.Duration, func()) stopper
}

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Detector tracks the idle state of one session. It starts out unknown and
// is safe for concurrent use.
type Detector struct {
	cfg Config

	mu     sync.Mutex
	tail   []byte
	state  protocol.IdleState
	timer  stopper
	seq    uint64
	closed bool
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.TailSize <= 0 {
		cfg.TailSize = DefaultTailSize
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = realAfterFunc
	}
	return &Detector{cfg: cfg, state: protocol.IdleUnknown}
}

// State returns the current classification.
func (d *Detector) State() protocol.IdleState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Feed classifies the session after a chunk of output.
func (d *Detector) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.tail = append(d.tail, chunk...)
	if over := len(d.tail) - d.cfg.TailSize; over > 0 {
		d.tail = append(d.tail[:0], d.tail[over:]...)
	}
	next := Classify(string(d.tail))
	changed := d.setLocked(next)
	d.mu.Unlock()

	d.notify(changed, next)
}

// Activity records a sign of life other than output, such as files
// changing in the working directory. It keeps a working session from
// stalling and revives a stalled one.
func (d *Detector) Activity() {
	d.mu.Lock()
	if d.closed || (d.state != protocol.IdleWorking && d.state != protocol.IdleStalled) {
		d.mu.Unlock()
		return
	}
	changed := d.setLocked(protocol.IdleWorking)
	d.mu.Unlock()

	d.notify(changed, protocol.IdleWorking)
}

// Reset forgets the output seen so far and returns to unknown, as when the
// session's command is restarted.
func (d *Detector) Reset() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.tail = d.tail[:0]
	changed := d.setLocked(protocol.IdleUnknown)
	d.mu.Unlock()

	d.notify(changed, protocol.IdleUnknown)
}

// Close stops the stall timer. No callbacks are made after Close returns.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopTimerLocked()
}

// setLocked moves to next and (re)arms the stall timer while working. It
// reports whether the state changed.
func (d *Detector) setLocked(next protocol.IdleState) bool {
	d.stopTimerLocked()
	if next == protocol.IdleWorking {
		d.seq++
		seq := d.seq
		d.timer = d.cfg.afterFunc(d.cfg.StallAfter, func() { d.stall(seq) })
	}
	if next == d.state {
		return false
	}
	d.state = next
	return true
}

func (d *Detector) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Detector) stall(seq uint64) {
	d.mu.Lock()
	if d.closed || seq != d.seq || d.state != protocol.IdleWorking {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.state = protocol.IdleStalled
	d.mu.Unlock()

	d.notify(true, protocol.IdleStalled)
}

func (d *Detector) notify(changed bool, state protocol.IdleState) {
	if changed && d.cfg.OnChange != nil {
		d.cfg.OnChange(state)
	}
}

// Classify returns the idle state suggested by a stretch of terminal
// output. Output that is neither a prompt nor an error means the agent is
// working.
func Classify(output string) protocol.IdleState {
	lines := lastLines(ansi.Strip(output), linesExamined)
	if len(lines) == 0 {
		return protocol.IdleUnknown
	}

	for _, line := range lines {
		if busyPattern.MatchString(line) {
			return protocol.IdleWorking
		}
	}
	for _, line := range lines {
		if errorPattern.MatchString(line) {
			return protocol.IdleError
		}
	}

	last := lines[len(lines)-1]
	if questionPattern.MatchString(last) || menuPattern.MatchString(last) || promptPattern.MatchString(last) {
		return protocol.IdleIdle
	}
	for _, line := range lines {
		if questionPattern.MatchString(line) || menuPattern.MatchString(line) {
			return protocol.IdleIdle
		}
	}
	return protocol.IdleWorking
}

// lastLines returns up to n trailing non-empty lines with box borders and
// carriage-return overwrites resolved.
func lastLines(s string, n int) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	var out []string
	for i := len(raw) - 1; i >= 0 && len(out) < n; i-- {
		line := strings.TrimRight(raw[i], "\r")
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			line = line[idx+1:]
		}
		line = strings.Trim(line, " \t│┃|╭╮╰╯─━")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
