package stacktrace

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// "    at fn (https://host/app.js:10:5)" or "    at https://host/app.js:10:5"
	chromeLine = regexp.MustCompile(`^\s*at (?:(.+?) \()?(.*?)(?::(\d+))?(?::(\d+))?\)?\s*$`)

	// "fn@https://host/app.js:10:5"
	geckoLine = regexp.MustCompile(`^\s*([^@]*)@(.*?)(?::(\d+))?(?::(\d+))?\s*$`)

	// "\t/src/app/handler.go:42 +0x1d"
	goFileLine = regexp.MustCompile(`^\t(.+?):(\d+)(?: \+0x[0-9a-f]+)?\s*$`)

	goroutineHeader = regexp.MustCompile(`^goroutine \d+ \[.*\]:$`)
	goroutineSuffix = regexp.MustCompile(` in goroutine \d+$`)

	canonicalNameRe = regexp.MustCompile(`(?i)([a-z0-9]+)$`)

	// "main.(*server).handle.func2.1": Go closures are named after their enclosing function.
	goClosureSuffix = regexp.MustCompile(`\.func\d+(?:\.\d+)*$`)
)

// Parse extracts frames from a textual stack trace. Chrome, Gecko and Go runtime formats are
// recognized line by line; lines in none of them (headers, messages) are skipped.
func Parse(stack string) []Frame {
	if strings.TrimSpace(stack) == "" {
		return nil
	}

	var frames []Frame
	var pendingFunc string
	havePending := false

	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if havePending {
			if m := goFileLine.FindStringSubmatch(line); m != nil {
				frames = append(frames, Frame{Func: pendingFunc, URL: m[1], Line: atoi(m[2])})
				havePending = false
				continue
			}
			havePending = false
		}

		switch {
		case strings.HasPrefix(strings.TrimSpace(line), "at "):
			if m := chromeLine.FindStringSubmatch(line); m != nil {
				frames = append(frames, Frame{Func: m[1], URL: m[2], Line: atoi(m[3]), Column: atoi(m[4])})
			}
		case strings.Contains(line, "@"):
			if m := geckoLine.FindStringSubmatch(line); m != nil {
				frames = append(frames, Frame{Func: m[1], URL: m[2], Line: atoi(m[3]), Column: atoi(m[4])})
			}
		case goroutineHeader.MatchString(line):
		case !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " "):
			pendingFunc = goFuncName(line)
			havePending = pendingFunc != ""
		}
	}
	return frames
}

// goFuncName strips call arguments and "created by" decoration from a Go trace function line.
func goFuncName(line string) string {
	line = strings.TrimPrefix(line, "created by ")
	line = goroutineSuffix.ReplaceAllString(line, "")
	if strings.HasSuffix(line, ")") {
		if i := strings.LastIndex(line, "("); i > 0 {
			line = line[:i]
		}
	}
	return strings.TrimSpace(line)
}

// CanonicalFunctionName reduces a function name to its trailing identifier, dropping namespace,
// receiver and minifier decoration, so the same function groups across runtimes. Go closures
// take the name of the function that encloses them.
func CanonicalFunctionName(name string) string {
	if name == "" {
		return ""
	}
	name = goClosureSuffix.ReplaceAllString(name, "")
	m := canonicalNameRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

// Canonical builds the grouping form of a stack: one "func@url:line" entry per frame.
// Columns are left out on purpose; they vary between runtimes for the same error.
func Canonical(info StackInfo) string {
	var b strings.Builder
	for _, f := range info.Frames {
		fn := CanonicalFunctionName(f.Func)
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if fn != "" {
			b.WriteString(fn)
			b.WriteByte('@')
		}
		b.WriteString(f.URL)
		if f.Line > 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(f.Line))
		}
	}
	return b.String()
}

// TruncateSize caps a stack string at limit bytes without splitting a UTF-8 sequence.
func TruncateSize(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
