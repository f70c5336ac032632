// Package events implements the append-only NDJSON event log that every run
// directory carries. One JSON object per line; each record has a tag field
// "t", a wall-clock timestamp "at", and a unique "id".
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tags for the canonical event shapes.
const (
	TagRunStarted          = "RUN_STARTED"
	TagPromptBuilt         = "PROMPT_BUILT"
	TagEngineCallStarted   = "ENGINE_CALL_STARTED"
	TagEngineCallCompleted = "ENGINE_CALL_COMPLETED"
	TagRunFinished         = "RUN_FINISHED"
	TagRunFailed           = "RUN_FAILED"
	TagRecoveryDetected    = "RECOVERY_DETECTED"
	TagStateUpdated        = "STATE_UPDATED"
)

// Event is one NDJSON record. Keys "t", "at" and "id" are reserved.
type Event map[string]any

// Append writes ev as a single line to path, creating the file and parent
// directory as needed. A wall-clock ISO timestamp is attached when absent.
func Append(path string, ev Event) error {
	if len(ev) == 0 {
		return fmt.Errorf("event must be a non-empty object")
	}
	if _, ok := ev["at"]; !ok {
		ev["at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := ev["id"]; !ok {
		ev["id"] = ulid.Make().String()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns all events in order. Blank lines are skipped; unparsable lines
// are reported as warnings rather than aborting the read.
func Read(path string) (evs []Event, warnings []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s:%d: %v", path, lineNo, err))
			continue
		}
		evs = append(evs, ev)
	}
	if err := sc.Err(); err != nil {
		return evs, warnings, err
	}
	return evs, warnings, nil
}

// Factory helpers for the canonical shapes. Callers may add fields before
// appending.

func RunStarted(runID, projectSlug, taskSlug, stage, engine, model string) Event {
	ev := Event{
		"t":            TagRunStarted,
		"run_id":       runID,
		"project_slug": projectSlug,
		"task_slug":    taskSlug,
		"stage":        stage,
		"engine":       engine,
	}
	if model != "" {
		ev["model"] = model
	}
	return ev
}

func PromptBuilt(runID string, promptBytes int) Event {
	return Event{"t": TagPromptBuilt, "run_id": runID, "prompt_bytes": promptBytes}
}

func EngineCallStarted(runID, engine, model string) Event {
	return Event{"t": TagEngineCallStarted, "run_id": runID, "engine": engine, "model": model}
}

func EngineCallCompleted(runID string, outputBytes int, callErr string) Event {
	ev := Event{"t": TagEngineCallCompleted, "run_id": runID, "output_bytes": outputBytes}
	if callErr != "" {
		ev["error"] = callErr
	}
	return ev
}

func RunFinished(runID, decision string) Event {
	return Event{"t": TagRunFinished, "run_id": runID, "decision": decision}
}

func RunFailed(runID, errorCode, reason string) Event {
	return Event{"t": TagRunFailed, "run_id": runID, "error_code": errorCode, "reason": reason}
}

func RecoveryDetected(recoveredRunID, newRunID string) Event {
	return Event{"t": TagRecoveryDetected, "recovered_run_id": recoveredRunID, "run_id": newRunID}
}

func StateUpdated(runID, what string) Event {
	return Event{"t": TagStateUpdated, "run_id": runID, "what": what}
}
