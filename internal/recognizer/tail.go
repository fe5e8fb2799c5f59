package recognizer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"distressguard/internal/transcribe"
)

// Tail follows a transcript file that another process appends to. Each
// session starts at the current end of the file, so lines written while
// monitoring was off are skipped. A truncated or rotated file is reopened.
type Tail struct {
	path   string
	logger *slog.Logger
	poll   time.Duration
}

func NewTail(path string, logger *slog.Logger) *Tail {
	return &Tail{path: path, logger: logger, poll: 200 * time.Millisecond}
}

func (t *Tail) Available() bool { return t.path != "" }

func (t *Tail) Start(ctx context.Context, _ transcribe.Options, cb transcribe.Callback) (transcribe.Session, error) {
	if !t.Available() {
		return nil, transcribe.ErrUnsupportedCapability
	}
	sess, sctx := newSession(ctx)
	go func() {
		defer sess.end(cb)
		t.follow(sctx, cb)
	}()
	return sess, nil
}

func (t *Tail) follow(ctx context.Context, cb transcribe.Callback) {
	var file *os.File
	var offset int64
	startAtEnd := true
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		if file == nil {
			f, err := os.Open(t.path)
			if err != nil {
				if t.logger != nil {
					t.logger.Warn("transcript tail open failed", "path", t.path, "err", err)
				}
				if !pause(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if errors.Is(err, io.EOF) {
				// A partial line is kept until its newline arrives.
				if len(line) > 0 {
					if _, serr := file.Seek(offset, io.SeekStart); serr == nil {
						reader.Reset(file)
					}
				}
				if !pause(ctx, t.poll) {
					return
				}
				if info, statErr := os.Stat(t.path); statErr == nil && info.Size() < offset {
					_ = file.Close()
					file = nil
					break
				}
				continue
			}
			if err != nil {
				if t.logger != nil {
					t.logger.Warn("transcript tail read error", "path", t.path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			deliverLine(t.logger, line, cb)
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
