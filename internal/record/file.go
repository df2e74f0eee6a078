package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileSink appends traces as JSONL, one file per backend per UTC hour:
// <backend>-YYYY-MM-DD-HH.jsonl under the base directory.
type FileSink struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*traceFile
}

type traceFile struct {
	file *os.File
	enc  *json.Encoder
	hour string
}

// NewFileSink creates the base directory if needed.
func NewFileSink(baseDir string) (*FileSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace directory %s: %w", baseDir, err)
	}
	return &FileSink{baseDir: baseDir, files: make(map[string]*traceFile)}, nil
}

func (s *FileSink) Record(tr *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	name := tr.Backend
	if name == "" {
		name = "unrouted"
	}

	tf, ok := s.files[name]
	if !ok || tf.hour != hour {
		if ok {
			if err := tf.file.Close(); err != nil {
				logrus.Errorf("failed to close rotated trace file: %v", err)
			}
		}
		path := filepath.Join(s.baseDir, fmt.Sprintf("%s-%s.jsonl", name, hour))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logrus.Errorf("failed to open trace file %s: %v", path, err)
			return
		}
		tf = &traceFile{file: file, enc: json.NewEncoder(file), hour: hour}
		s.files[name] = tf
	}

	if err := tf.enc.Encode(tr); err != nil {
		logrus.Errorf("failed to write trace: %v", err)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, tf := range s.files {
		if err := tf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*traceFile)
	return firstErr
}
