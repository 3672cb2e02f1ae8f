package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer in either human-readable text or
// JSONL form.
//
// Text mode:
//
//	[parallel_branch_completed] runID=run-001 step=3 workID=7 nodeID=scoreA
//
// JSON mode (one object per line):
//
//	{"runID":"run-001","step":3,"workID":7,"nodeID":"scoreA","msg":"parallel_branch_completed"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format. Writes are serialized so
// concurrent branch workers never interleave lines.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID  string         `json:"runID"`
		Step   int            `json:"step"`
		WorkID uint64         `json:"workID,omitempty"`
		NodeID string         `json:"nodeID,omitempty"`
		Msg    string         `json:"msg"`
		Meta   map[string]any `json:"meta,omitempty"`
	}{
		RunID:  event.RunID,
		Step:   event.Step,
		WorkID: event.WorkID,
		NodeID: event.NodeID,
		Msg:    event.Msg,
		Meta:   event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s step=%d", event.Msg, event.RunID, event.Step)
	if event.WorkID != 0 {
		fmt.Fprintf(l.writer, " workID=%d", event.WorkID)
	}
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " nodeID=%s", event.NodeID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
