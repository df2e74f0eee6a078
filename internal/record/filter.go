package record

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"
)

// FilterEnv is the context trace filter expressions evaluate against, e.g.
// `StatusCode >= 400 || Streamed` or `Backend == "local" && Mode == "translate"`.
type FilterEnv struct {
	StatusCode int    `expr:"StatusCode"`
	Mode       string `expr:"Mode"`
	Model      string `expr:"Model"`
	Backend    string `expr:"Backend"`
	Streamed   bool   `expr:"Streamed"`
}

// Filtered wraps next so only traces the compiled expression accepts pass
// through. An empty expression passes everything.
func Filtered(next TraceSink, expression string) (TraceSink, error) {
	if expression == "" {
		return next, nil
	}
	program, err := expr.Compile(expression, expr.Env(FilterEnv{}))
	if err != nil {
		return nil, fmt.Errorf("compiling trace filter %q: %w", expression, err)
	}
	return &filteredSink{next: next, program: program}, nil
}

type filteredSink struct {
	next    TraceSink
	program *vm.Program
}

func (s *filteredSink) Record(tr *Trace) {
	out, err := expr.Run(s.program, FilterEnv{
		StatusCode: tr.StatusCode,
		Mode:       tr.Mode,
		Model:      tr.Model,
		Backend:    tr.Backend,
		Streamed:   tr.Streamed,
	})
	if err != nil {
		// A broken filter must not lose audit data.
		logrus.Errorf("trace filter failed, keeping trace: %v", err)
		s.next.Record(tr)
		return
	}
	if keep, ok := out.(bool); ok && !keep {
		return
	}
	s.next.Record(tr)
}

func (s *filteredSink) Close() error { return s.next.Close() }
