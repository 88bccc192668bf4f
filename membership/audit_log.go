package membership

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileAlertSink appends each anomaly alert as a JSON line to a rotating log
// file, one file per world: "<world>.revocation-alerts.jsonl". Rotation is
// delegated to lumberjack so a long-lived node never accumulates an
// unbounded alert log.
type FileAlertSink struct {
	mu  sync.Mutex
	log *lumberjack.Logger
}

// NewFileAlertSink opens (creating if necessary) the rotating alert log at
// path, keeping at most maxBackups old files of up to maxSizeMB each.
func NewFileAlertSink(path string, maxSizeMB, maxBackups int) *FileAlertSink {
	return &FileAlertSink{
		log: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}
}

func (s *FileAlertSink) Emit(alert AnomalyAlert) error {
	line, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("membership: marshal alert for audit log: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.log.Write(line); err != nil {
		return fmt.Errorf("membership: write alert audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying rotating log file.
func (s *FileAlertSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}
