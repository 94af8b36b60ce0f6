// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logging

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

const defaultMaxLength = 8192

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var LevelMapperRev = map[string]logrus.Level{
	LevelDebug: logrus.DebugLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelError: logrus.ErrorLevel,
}

type logger struct {
	iWriter *logrus.Logger
	fWriter *logrus.Logger
}

type logOptions struct {
	path      string
	level     string
	expireDay int
}

var defaultLogOptions = logOptions{
	path:      "log",
	level:     LevelInfo,
	expireDay: 7,
}

type logOptionsFunc func(*logOptions)

func WithPath(v string) logOptionsFunc {
	return func(o *logOptions) {
		if v != "" {
			o.path = v
		}
	}
}

func WithExpireDay(v int) logOptionsFunc {
	return func(o *logOptions) {
		if v > 0 {
			o.expireDay = v
		}
	}
}

func WithLogLevel(l string) logOptionsFunc {
	return func(o *logOptions) {
		if l != "" {
			o.level = l
		}
	}
}

// InitializeLogger wires the package-level Debug/Info/Warn/Error funcs to a
// pair of rotated file writers: one at the configured level for info/debug
// lines, one for warnings and errors.
func InitializeLogger(opt ...logOptionsFunc) error {
	if logObj != nil {
		return nil
	}
	opts := defaultLogOptions
	for _, o := range opt {
		o(&opts)
	}

	if err := os.MkdirAll(opts.path, os.FileMode(0755)); err != nil {
		return fmt.Errorf("logging: mkdir %s: %w", opts.path, err)
	}

	iWriter, err := newWriter(opts.path, "sqlrelay.log", opts.expireDay)
	if err != nil {
		return err
	}

	fWriter, err := newWriter(opts.path, "sqlrelay.log.wf", opts.expireDay)
	if err != nil {
		return err
	}

	logObj = &logger{iWriter: iWriter, fWriter: fWriter}
	if v, ok := LevelMapperRev[opts.level]; ok {
		logObj.iWriter.SetLevel(v)
		logObj.fWriter.SetLevel(v)
	}
	return nil
}

// NewRotatingWriter exposes the same rotated-log machinery InitializeLogger
// uses internally, so other parts of the process (notably the WORKER
// engine's default audit sink) can rotate alongside the rest of the
// process's logs without standing up a second logging stack.
func NewRotatingWriter(dir, name string, expireDay int) (*rotatelogs.RotateLogs, error) {
	full := fullPath(dir, name)
	return rotatelogs.New(
		full+".%Y%m%d%H",
		rotatelogs.WithLinkName(full),
		rotatelogs.WithMaxAge(time.Duration(expireDay)*24*time.Hour),
		rotatelogs.WithRotationTime(time.Hour),
	)
}

func fullPath(dir, name string) string {
	if strings.HasPrefix(dir, "/") {
		return path.Join(dir, name)
	}
	pwd, err := os.Getwd()
	if err != nil {
		return path.Join(dir, name)
	}
	return path.Join(pwd, dir, name)
}

func newWriter(dir, name string, expireDay int) (*logrus.Logger, error) {
	writer, err := NewRotatingWriter(dir, name, expireDay)
	if err != nil {
		return nil, fmt.Errorf("logging: rotatelogs: %w", err)
	}
	l := logrus.New()
	l.SetOutput(writer)
	l.Formatter = &textFormatter{}
	return l, nil
}

type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	message := strings.TrimSuffix(entry.Message, "\n")
	if len(entry.Message) > defaultMaxLength {
		entry.Message = entry.Message[:defaultMaxLength]
	}

	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	f.appendValue(b, strings.ToUpper(entry.Level.String()))
	b.WriteByte(' ')
	f.appendValue(b, entry.Time.Format("06-01-02 15:04:05.999"))
	b.WriteByte(' ')

	if caller := getCaller(); caller != nil {
		f.appendValue(b, strings.TrimPrefix(caller.Function, "sqlrelay/"))
		b.WriteByte(' ')
		f.appendValue(b, fmt.Sprintf("%s:%d", filepath.Base(caller.File), caller.Line))
		b.WriteByte(' ')
	}

	f.appendValue(b, message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) appendValue(b *bytes.Buffer, value interface{}) {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	b.WriteString(s)
}

func getCaller() *runtime.Frame {
	pcs := make([]uintptr, 25)
	depth := runtime.Callers(1, pcs)
	frames := runtime.CallersFrames(pcs[:depth])
	for f, again := frames.Next(); again; f, again = frames.Next() {
		if strings.Contains(f.Function, "sqlrelay/pkg/logging") || strings.Contains(f.Function, "sirupsen/logrus") {
			continue
		}
		return &f
	}
	return nil
}
