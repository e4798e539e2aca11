package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Logger struct {
	output        io.Writer
	minLevel      Level
	categoryWidth int
	filter        map[string]bool
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
	logFile       *os.File

	bufPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}
)

func init() {
	defaultLogger = &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// RegisterCategories sets the padding width so category columns line up.
func RegisterCategories(categories ...string) {
	mu.Lock()
	defer mu.Unlock()
	maxLen := 0
	for _, cat := range categories {
		if len(cat) > maxLen {
			maxLen = len(cat)
		}
	}
	defaultLogger.categoryWidth = maxLen + 1
}

func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

func SetMinLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger.minLevel = level
}

// SetCategoryFilter restricts output to the given categories. Nil or empty
// allows everything. "error" and "warning" always pass.
func SetCategoryFilter(categories []string) {
	mu.Lock()
	defer mu.Unlock()
	if len(categories) == 0 {
		defaultLogger.filter = nil
		return
	}
	filter := make(map[string]bool, len(categories))
	for _, cat := range categories {
		filter[cat] = true
	}
	defaultLogger.filter = filter
}

// SetLogFile tees output to stdout and the given file.
func SetLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f
	defaultLogger.output = io.MultiWriter(os.Stdout, f)
	return nil
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
		defaultLogger.output = os.Stdout
	}
}

func (l *Logger) shouldLog(category string) bool {
	if levelForCategory(category) < l.minLevel {
		if l.filter == nil || !l.filter[category] {
			return false
		}
	}
	if l.filter != nil && !l.filter[category] && category != "error" && category != "warning" {
		return false
	}
	return true
}

func (l *Logger) printf(category, format string, v ...any) {
	mu.Lock()
	defer mu.Unlock()

	if !l.shouldLog(category) {
		return
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	buf.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	buf.WriteByte(' ')
	buf.WriteString(category)
	for i := len(category); i < l.categoryWidth; i++ {
		buf.WriteByte(' ')
	}
	buf.WriteByte(' ')
	fmt.Fprintf(buf, format, v...)
	if buf.Len() == 0 || buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}

	l.output.Write(buf.Bytes())
}

func Printf(category, format string, v ...any) {
	defaultLogger.printf(category, format, v...)
}

func Println(category string, v ...any) {
	defaultLogger.printf(category, "%s", fmt.Sprint(v...))
}

func Warning(format string, v ...any) {
	defaultLogger.printf("warning", format, v...)
}

func Error(format string, v ...any) {
	defaultLogger.printf("error", format, v...)
}

func Fatal(format string, v ...any) {
	defaultLogger.printf("error", format, v...)
	os.Exit(1)
}
