// Command attach connects the local terminal to a session on a lumbergh
// server. The connection heals itself across network loss and ends when the
// session does.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/voglster/lumbergh-sub000/internal/logger"
	"github.com/voglster/lumbergh-sub000/internal/protocol"
	"github.com/voglster/lumbergh-sub000/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	server := pflag.String("server", getEnv("LUMBERGH_SERVER", "http://localhost:8420"), "session server URL")
	sessionName := pflag.StringP("session", "s", "", "session to attach to")
	record := pflag.String("record", "", "record the session to this asciinema file")
	reconnectDelay := pflag.Duration("reconnect-delay", stream.DefaultReconnectDelay, "delay between reconnect attempts")
	verbose := pflag.BoolP("verbose", "v", false, "log connection events to stderr")
	pflag.Parse()

	if *sessionName == "" && pflag.NArg() > 0 {
		*sessionName = pflag.Arg(0)
	}
	if *sessionName == "" {
		fmt.Fprintln(os.Stderr, "usage: attach [flags] SESSION")
		pflag.PrintDefaults()
		return 2
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	tty := newTerminal(os.Stdin, os.Stdout)
	env := stream.NewEventSource(tty.viewport())

	var recorder *logger.Recorder
	if *record != "" {
		cols, rows := tty.size()
		r, err := logger.Create(*record, logger.Header{Width: cols, Height: rows, Title: *sessionName})
		if err != nil {
			fmt.Fprintf(os.Stderr, "attach: %v\n", err)
			return 1
		}
		recorder = r
		defer recorder.Close()
	}

	var (
		outMu    sync.Mutex
		done     = make(chan int, 1)
		doneOnce sync.Once
	)
	finish := func(code int) {
		doneOnce.Do(func() { done <- code })
	}
	banner := func(line string) {
		if line == "" {
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(os.Stderr, "\r\n%s\r\n", line)
	}

	ctrl, err := stream.NewController(stream.Config{
		Session:        *sessionName,
		ServerURL:      *server,
		Environment:    env,
		ReconnectDelay: *reconnectDelay,
		Logger:         log,
		Handlers: stream.Handlers{
			OnOutput: func(data []byte) {
				outMu.Lock()
				os.Stdout.Write(data)
				outMu.Unlock()
				if recorder != nil {
					recorder.Output(data)
				}
			},
			OnStatus: func(st stream.Status) {
				banner(statusLine(*sessionName, st))
				if st.Dead() {
					finish(1)
				}
			},
			OnIdleState: func(state protocol.IdleState) {
				outMu.Lock()
				io.WriteString(os.Stdout, ansi.SetWindowTitle(idleTitle(*sessionName, state)))
				outMu.Unlock()
			},
			OnGeometry: func(g stream.Geometry, _ stream.FitOutcome) {
				if recorder != nil {
					recorder.Resize(g.Cols, g.Rows)
				}
			},
			OnError: func(message string) {
				banner(errorLine(message))
			},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return 1
	}
	defer ctrl.Close()

	restore, err := tty.makeRaw()
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return 1
	}
	defer restore()

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGWINCH, syscall.SIGCONT, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)
	go func() {
		for sig := range signals {
			switch sig {
			case syscall.SIGWINCH:
				env.Emit(stream.EnvironmentEvent{Kind: stream.EventResize, Viewport: tty.viewport()})
			case syscall.SIGCONT:
				// Back from a suspend: the connection may have died meanwhile.
				env.Emit(stream.EnvironmentEvent{Kind: stream.EventVisibility, Visible: true})
			default:
				finish(0)
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				data, detach := splitDetach(buf[:n])
				if len(data) > 0 {
					ctrl.Send(append([]byte(nil), data...))
				}
				if detach {
					finish(0)
					return
				}
			}
			if err != nil {
				finish(0)
				return
			}
		}
	}()

	ctrl.Start()
	code := <-done
	if code == 0 {
		banner(mutedStyle.Render("[detached from " + *sessionName + "]"))
	}
	return code
}

// terminal is the local terminal the session is shown in.
type terminal struct {
	in  *os.File
	out *os.File
}

func newTerminal(in, out *os.File) *terminal {
	return &terminal{in: in, out: out}
}

// size returns the terminal size in cells, 80x24 when it is not a terminal.
func (t *terminal) size() (cols, rows int) {
	cols, rows, err := term.GetSize(int(t.out.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return cols, rows
}

// viewport converts the terminal size into the pixel viewport the stream
// controller fits against, using the controller's default cell metrics.
func (t *terminal) viewport() stream.Viewport {
	cols, rows := t.size()
	return stream.Viewport{
		Width:  float64(cols) * stream.DefaultCellMetrics.Width,
		Height: float64(rows) * stream.DefaultCellMetrics.Height,
	}
}

func (t *terminal) makeRaw() (func(), error) {
	fd := int(t.in.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	return func() { term.Restore(fd, state) }, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
