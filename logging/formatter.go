// Package logging configures the process-wide logrus logger used by the binaries.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Formatter writes one line per entry:
//
//	2024-01-02 15:04:05.000 [INFO] server.go:120 message key=value ...
//
// Fields are sorted by key. With Color set the level tag is colored by severity.
type Formatter struct {
	Color bool
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format(timeLayout))
	b.WriteByte(' ')
	b.WriteString(f.level(entry.Level))
	if entry.HasCaller() {
		fmt.Fprintf(b, " %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteByte(' ')
	b.WriteString(strings.TrimSuffix(entry.Message, "\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *Formatter) level(l logrus.Level) string {
	tag := "[" + strings.ToUpper(l.String()) + "]"
	if !f.Color {
		return tag
	}
	c := levelColor(l)
	c.EnableColor()
	return c.Sprint(tag)
}

func levelColor(l logrus.Level) *color.Color {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return color.New(color.FgRed, color.Bold)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.InfoLevel:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgCyan)
	}
}

// Setup points the standard logger at w with the given level and the line formatter.
// Color is dropped when stdout is not a terminal or NO_COLOR is set.
func Setup(level string, w io.Writer, useColor bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	useColor = useColor && !color.NoColor
	logrus.SetOutput(w)
	logrus.SetLevel(lvl)
	logrus.SetReportCaller(lvl >= logrus.DebugLevel)
	logrus.SetFormatter(&Formatter{Color: useColor})
	return nil
}
