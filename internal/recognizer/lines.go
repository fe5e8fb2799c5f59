package recognizer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"distressguard/internal/transcribe"
)

// Lines recognizes transcript lines from stdin ("-"), a file, or a TCP
// endpoint ("tcp://host:port"). Piped and file sources are read once; a
// session ends at EOF and later sessions fail with ErrSourceExhausted. TCP
// sources dial a fresh connection per session.
type Lines struct {
	source string
	logger *slog.Logger
	dialer net.Dialer

	mu      sync.Mutex
	opened  bool
	reader  io.Reader
	lines   chan string
	openErr error
}

func NewLines(source string, logger *slog.Logger) *Lines {
	if source == "" {
		source = "-"
	}
	return &Lines{source: source, logger: logger, dialer: net.Dialer{Timeout: 5 * time.Second}}
}

// NewLinesReader reads transcript lines from r.
func NewLinesReader(r io.Reader, logger *slog.Logger) *Lines {
	return &Lines{source: "reader", reader: r, logger: logger}
}

func (l *Lines) Available() bool { return true }

func (l *Lines) Start(ctx context.Context, _ transcribe.Options, cb transcribe.Callback) (transcribe.Session, error) {
	if addr, ok := strings.CutPrefix(l.source, "tcp://"); ok {
		return l.startTCP(ctx, addr, cb)
	}
	return l.startShared(ctx, cb)
}

func (l *Lines) open() {
	r := l.reader
	if r == nil {
		if l.source == "-" {
			r = os.Stdin
		} else {
			f, err := os.Open(l.source)
			if err != nil {
				l.openErr = fmt.Errorf("%w: %v", transcribe.ErrSourceExhausted, err)
				return
			}
			r = f
		}
	}
	l.lines = make(chan string, 64)
	go l.pump(r)
}

func (l *Lines) pump(r io.Reader) {
	defer close(l.lines)
	if c, ok := r.(io.Closer); ok && r != os.Stdin {
		defer c.Close()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		l.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil && l.logger != nil {
		l.logger.Warn("transcript source read error", "source", l.source, "err", err)
	}
}

func (l *Lines) startShared(ctx context.Context, cb transcribe.Callback) (transcribe.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		// Lines that arrived while nobody was listening are not replayed.
		for drained := false; !drained; {
			select {
			case _, ok := <-l.lines:
				if !ok {
					return nil, transcribe.ErrSourceExhausted
				}
			default:
				drained = true
			}
		}
	} else {
		l.opened = true
		l.open()
	}
	if l.openErr != nil {
		return nil, l.openErr
	}
	sess, sctx := newSession(ctx)
	go func() {
		defer sess.end(cb)
		for {
			select {
			case line, ok := <-l.lines:
				if !ok {
					return
				}
				deliverLine(l.logger, line, cb)
			case <-sctx.Done():
				return
			}
		}
	}()
	return sess, nil
}

func (l *Lines) startTCP(ctx context.Context, addr string, cb transcribe.Callback) (transcribe.Session, error) {
	conn, err := l.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial transcript stream %s: %w", addr, err)
	}
	if l.logger != nil {
		l.logger.Info("transcript stream connected", "addr", addr)
	}
	sess, sctx := newSession(ctx)
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer sess.end(cb)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
		for scanner.Scan() {
			deliverLine(l.logger, scanner.Text(), cb)
		}
		if err := scanner.Err(); err != nil && sctx.Err() == nil {
			cb.OnError(fmt.Errorf("read transcript stream: %w", err))
		}
	}()
	return sess, nil
}

func deliverLine(logger *slog.Logger, line string, cb transcribe.Callback) {
	res, ok, err := ParseLine(line)
	if err != nil {
		if logger != nil {
			logger.Warn("transcript line skipped", "err", err)
		}
		return
	}
	if ok {
		cb.OnResult(res.Text, res.IsFinal)
	}
}
