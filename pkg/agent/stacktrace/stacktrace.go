// Package stacktrace turns raw error observations into a normalized stack description and
// derives the hashes used to bucket and deduplicate them.
package stacktrace

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Frame is one normalized stack frame.
type Frame struct {
	Func   string `json:"func,omitempty"`
	URL    string `json:"url,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// StackInfo is the normalized form of an observation.
type StackInfo struct {
	Name        string  `json:"name"`
	Message     string  `json:"message"`
	StackString string  `json:"stack"`
	Frames      []Frame `json:"frames,omitempty"`
}

// Exception is a raw error described by text, e.g. relayed from a browser or captured from a
// recovered panic.
type Exception struct {
	Name    string
	Message string
	Stack   string
}

// Error implements error so an Exception can travel through error-typed APIs.
func (e *Exception) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

const defaultName = "Error"

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Compute coerces obs into a StackInfo. It never panics: anything it cannot interpret becomes
// an Error with the formatted value as message and no frames.
func Compute(obs any) (info StackInfo) {
	defer func() {
		if r := recover(); r != nil {
			info = StackInfo{Name: defaultName, Message: fmt.Sprint(obs)}
		}
	}()

	switch v := obs.(type) {
	case nil:
		return StackInfo{Name: defaultName}
	case StackInfo:
		return complete(v)
	case *StackInfo:
		if v == nil {
			return StackInfo{Name: defaultName}
		}
		return complete(*v)
	case Exception:
		return fromException(v)
	case *Exception:
		if v == nil {
			return StackInfo{Name: defaultName}
		}
		return fromException(*v)
	case error:
		return fromError(v)
	case string:
		return StackInfo{Name: defaultName, Message: v}
	default:
		return StackInfo{Name: defaultName, Message: fmt.Sprint(v)}
	}
}

func complete(info StackInfo) StackInfo {
	if info.Name == "" {
		info.Name = defaultName
	}
	if info.StackString == "" && len(info.Frames) > 0 {
		info.StackString = formatFrames(info.Frames)
	}
	if len(info.Frames) == 0 && info.StackString != "" {
		info.Frames = Parse(info.StackString)
	}
	return info
}

func fromException(e Exception) StackInfo {
	name := e.Name
	if name == "" {
		name = defaultName
	}
	return StackInfo{
		Name:        name,
		Message:     e.Message,
		StackString: e.Stack,
		Frames:      Parse(e.Stack),
	}
}

func fromError(err error) StackInfo {
	info := StackInfo{Name: errorName(err), Message: err.Error()}

	var exc *Exception
	if errors.As(err, &exc) {
		info.StackString = exc.Stack
		info.Frames = Parse(exc.Stack)
		if exc.Name != "" {
			info.Name = exc.Name
		}
		return info
	}

	var st stackTracer
	if errors.As(err, &st) {
		info.Frames = framesFromPCs(st.StackTrace())
		info.StackString = formatFrames(info.Frames)
	}
	return info
}

// errorName reports the concrete type name of err without package or pointer decoration.
// Anonymous library error types collapse to "Error".
func errorName(err error) string {
	if named, ok := err.(interface{ Name() string }); ok && named.Name() != "" {
		return named.Name()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	switch name {
	case "", "errorString", "fundamental", "withStack", "withMessage", "wrapError", "joinError":
		return defaultName
	}
	return name
}

func framesFromPCs(st pkgerrors.StackTrace) []Frame {
	if len(st) == 0 {
		return nil
	}
	pcs := make([]uintptr, len(st))
	for i, f := range st {
		pcs[i] = uintptr(f)
	}

	var frames []Frame
	it := runtime.CallersFrames(pcs)
	for {
		f, more := it.Next()
		if f.Function != "" || f.File != "" {
			frames = append(frames, Frame{Func: f.Function, URL: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return frames
}

// formatFrames renders frames in the Gecko-like text form used for synthesized stacks.
func formatFrames(frames []Frame) string {
	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Func)
		b.WriteByte('@')
		b.WriteString(f.URL)
		if f.Line > 0 {
			fmt.Fprintf(&b, ":%d", f.Line)
		}
		if f.Column > 0 {
			fmt.Fprintf(&b, ":%d", f.Column)
		}
	}
	return b.String()
}
