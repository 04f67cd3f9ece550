// Package printer provides the engine's user-facing progress output,
// kept behind a narrow interface so core packages never depend on a
// concrete sink, matching how the teacher injects a *zap.SugaredLogger
// rather than calling a global logger.
package printer

import "go.uber.org/zap"

// Printer receives human-readable progress lines, e.g. "Uploading file
// foo.txt -> ..." during build/push/pull.
type Printer interface {
	Println(line string)
}

// ZapPrinter fans progress lines to a *zap.SugaredLogger at info level,
// the teacher's own logging idiom (log.Infow-style structured calls).
type ZapPrinter struct {
	log *zap.SugaredLogger
}

// NewZapPrinter wraps log as a Printer.
func NewZapPrinter(log *zap.SugaredLogger) *ZapPrinter {
	return &ZapPrinter{log: log}
}

func (p *ZapPrinter) Println(line string) {
	p.log.Infow(line)
}

// Discard drops every line; useful in tests.
type Discard struct{}

func (Discard) Println(string) {}
