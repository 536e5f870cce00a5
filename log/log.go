package log

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the minimum level that will be emitted.
type Level int32

const (
	LevelSilent Level = iota - 1
	LevelError
	LevelInfo
	LevelTrace
	LevelDebug
)

var (
	CurLevel  atomic.Int32
	errFile   *os.File
	errLogger *log.Logger
	errMu     sync.Mutex
)

func init() {
	CurLevel.Store(int32(LevelInfo))
}

// multi fans every line out to stderr and any attached sinks.
type multi struct {
	mu sync.Mutex
	ws []io.Writer
}

func (m *multi) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.ws {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

var (
	mu         sync.Mutex
	base       = &multi{ws: []io.Writer{os.Stderr}}
	buf        *bufio.Writer
	logger     *log.Logger
	flushTimer *time.Ticker
	flushDone  chan struct{}
	insta      = true
)

// Init sets the console writer, level and instaflush behavior.
func Init(w io.Writer, level Level, instaflush bool) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	flushLocked()
	base.ws = []io.Writer{w}
	insta = instaflush
	CurLevel.Store(int32(level))
	rebuildLocked()
}

// Attach adds an extra sink next to the console writer.
func Attach(w io.Writer) {
	if w == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	flushLocked()
	base.ws = append(base.ws, w)
	rebuildLocked()
}

// EnableSyslog connects to the local syslog and attaches it as a sink.
func EnableSyslog(tag string) error {
	sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	Attach(sw)
	return nil
}

func SetLevel(l Level) { CurLevel.Store(int32(l)) }

// Flush forces a flush when buffering is enabled.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	flushLocked()
}

func flushLocked() {
	if buf != nil {
		_ = buf.Flush()
	}
}

// InitErrorFile mirrors every Errorf line into path.
func InitErrorFile(path string) error {
	if path == "" {
		return nil
	}
	errMu.Lock()
	defer errMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile = f
	errLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return nil
}

func CloseErrorFile() {
	errMu.Lock()
	defer errMu.Unlock()
	if errFile != nil {
		_ = errFile.Sync()
		_ = errFile.Close()
		errFile = nil
		errLogger = nil
	}
}

// Errorf logs at error level and returns the formatted message as an error,
// so call sites can log and return in one statement. %w is honored.
func Errorf(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	if Level(CurLevel.Load()) >= LevelError {
		out("[ERROR] %s", err.Error())
	}

	errMu.Lock()
	if errLogger != nil {
		errLogger.Println("[ERROR] " + err.Error())
	}
	errMu.Unlock()

	return err
}

func Warnf(format string, a ...any) {
	if Level(CurLevel.Load()) >= LevelError {
		out("[WARN] "+format, a...)
	}
}

func Infof(format string, a ...any) {
	if Level(CurLevel.Load()) >= LevelInfo {
		out("[INFO] "+format, a...)
	}
}

func Tracef(format string, a ...any) {
	if Level(CurLevel.Load()) >= LevelTrace {
		out("[TRACE] "+format, a...)
	}
}

func Debugf(format string, a ...any) {
	if Level(CurLevel.Load()) >= LevelDebug {
		out("[DEBUG] "+format, a...)
	}
}

func out(format string, a ...any) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		rebuildLocked()
	}
	logger.Printf(format, a...)
}

func rebuildLocked() {
	flushLocked()
	stopFlusherLocked()

	var w io.Writer = base
	if insta {
		buf = nil
		logger = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
		return
	}

	buf = bufio.NewWriterSize(w, 16*1024)
	logger = log.New(buf, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	startFlusherLocked()
}

func startFlusherLocked() {
	t := time.NewTicker(2 * time.Second)
	done := make(chan struct{})
	flushTimer, flushDone = t, done
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				mu.Lock()
				flushLocked()
				mu.Unlock()
			}
		}
	}()
}

func stopFlusherLocked() {
	if flushTimer != nil {
		flushTimer.Stop()
		close(flushDone)
		flushTimer, flushDone = nil, nil
	}
}

// ParseLevel maps a --verbose value to a Level. Unknown names fall back to info.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	case "error":
		return LevelError
	case "silent":
		return LevelSilent
	default:
		return LevelInfo
	}
}
