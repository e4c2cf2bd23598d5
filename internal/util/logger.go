package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	logFilePrefix = "mutator-"
	logFileSuffix = ".log"
	dateLayout    = "20060102"
)

var (
	activeHookMu sync.Mutex
	activeHook   *FileHook
)

// InitLogger 初始化控制台日志，level 为空时使用 info
func InitLogger(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.DateTime,
		CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
			return shortFunction(frame.Function), ""
		},
	})
	logrus.SetReportCaller(true)
	logrus.SetLevel(ParseLevel(level))
}

// ParseLevel 解析日志级别，无法识别时返回 InfoLevel
func ParseLevel(level string) logrus.Level {
	if strings.TrimSpace(level) == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// shortFunction 去掉包路径，只保留 pkg.Func
func shortFunction(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		return fn[i+1:]
	}
	return fn
}

// FileHook 将日志按天写入 logDir 下的文件
type FileHook struct {
	mu        sync.Mutex
	logDir    string
	keepDays  int
	date      string
	file      *os.File
	formatter logrus.Formatter
	now       func() time.Time
}

// NewFileHook 创建文件 Hook 并打开当天的日志文件
func NewFileHook(logDir string, keepDays int) (*FileHook, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	hook := &FileHook{
		logDir:   logDir,
		keepDays: keepDays,
		formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
			DisableColors:   true,
		},
		now: time.Now,
	}
	if err := hook.rotate(); err != nil {
		return nil, err
	}
	return hook, nil
}

// Levels 返回 Hook 要处理的日志级别
func (hook *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 写入日志，日期变化时先切换文件
func (hook *FileHook) Fire(entry *logrus.Entry) error {
	hook.mu.Lock()
	defer hook.mu.Unlock()

	if hook.file == nil {
		return nil
	}
	if hook.now().Format(dateLayout) != hook.date {
		if err := hook.rotateLocked(); err != nil {
			return err
		}
	}

	line, err := hook.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = hook.file.Write(line)
	return err
}

// Path 当前日志文件路径
func (hook *FileHook) Path() string {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.file == nil {
		return ""
	}
	return hook.file.Name()
}

// Close 关闭文件
func (hook *FileHook) Close() error {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.file == nil {
		return nil
	}
	err := hook.file.Close()
	hook.file = nil
	return err
}

func (hook *FileHook) rotate() error {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	return hook.rotateLocked()
}

func (hook *FileHook) rotateLocked() error {
	date := hook.now().Format(dateLayout)
	path := filepath.Join(hook.logDir, logFilePrefix+date+logFileSuffix)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if hook.file != nil {
		hook.file.Close()
	}
	hook.file = file
	hook.date = date

	if hook.keepDays > 0 {
		cleanupOldLogs(hook.logDir, hook.keepDays, hook.now())
	}
	return nil
}

// cleanupOldLogs 删除超过 keepDays 天的 mutator-YYYYMMDD.log 文件
func cleanupOldLogs(logDir string, keepDays int, now time.Time) int {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return 0
	}
	cutoff := now.AddDate(0, 0, -keepDays).Format(dateLayout)

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileSuffix)
		if len(date) != len(dateLayout) || date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(logDir, name)); err == nil {
			removed++
		}
	}
	return removed
}

// InitLoggerWithFile 在控制台日志之外追加文件输出，返回当前日志文件路径
func InitLoggerWithFile(logDir string, keepDays int) (string, error) {
	hook, err := NewFileHook(logDir, keepDays)
	if err != nil {
		return "", err
	}

	activeHookMu.Lock()
	if activeHook != nil {
		activeHook.Close()
	}
	activeHook = hook
	activeHookMu.Unlock()

	logrus.AddHook(hook)
	return hook.Path(), nil
}

// CloseLogFile 关闭 InitLoggerWithFile 打开的文件
func CloseLogFile() error {
	activeHookMu.Lock()
	defer activeHookMu.Unlock()
	if activeHook == nil {
		return nil
	}
	err := activeHook.Close()
	activeHook = nil
	return err
}
