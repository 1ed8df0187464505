package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// Level returns the numeric level of the status, for use
// with SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

type Logger interface {
	Emit(LogStatus, string, ...interface{})
	Verbosef(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})

	// Printf and Fatalf satisfy the goose logger interface.
	Printf(string, ...interface{})
	Fatalf(string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(m string, a ...interface{}) { l.Emit(VERBOSE, m, a...) }
func (l *loggerImpl) Debugf(m string, a ...interface{})   { l.Emit(DEBUG, m, a...) }
func (l *loggerImpl) Errorf(m string, a ...interface{})   { l.Emit(ERROR, m, a...) }

func (l *loggerImpl) Printf(m string, a ...interface{}) { l.Emit(INFO, m, a...) }
func (l *loggerImpl) Fatalf(m string, a ...interface{}) { l.Emit(FATAL, m, a...) }

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
	SetMinLevel(LogStatus)
}

var Log LoggerManager = &loggerMgr{
	offset:   0,
	minLevel: INFO,
}

type loggerMgr struct {
	sync.Mutex
	offset   int
	minLevel LogStatus
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) SetMinLevel(status LogStatus) {
	l.Lock()
	defer l.Unlock()

	l.minLevel = status
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status < l.minLevel {
		return
	}

	if len(name) > l.offset {
		l.offset = len(name)
	}

	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	status.Color().Print(msg)
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}

// SetMinLoggingLevel drops any log lines below the level provided.
func SetMinLoggingLevel(level int) {
	if level < int(VERBOSE) || level > int(FATAL) {
		return
	}

	Log.SetMinLevel(LogStatus(level))
}

// ParseLevel maps a level name (e.g. "debug", "warning") to its status.
func ParseLevel(name string) (LogStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "verbose":
		return VERBOSE, true
	case "debug":
		return DEBUG, true
	case "info":
		return INFO, true
	case "warning", "warn":
		return WARNING, true
	case "error":
		return ERROR, true
	default:
		return INFO, false
	}
}
