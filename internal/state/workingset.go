package state

import (
	"os"

	"github.com/agxlabs/agx/internal/fsatomic"
)

// WorkingSetMaxChars is the hard cap on working_set.md. Text over the cap is
// summarized when a summarizer is supplied, otherwise truncated with a
// marker. The stored file never exceeds the cap.
const WorkingSetMaxChars = 32_000

const truncationMarker = "\n\n[... truncated ...]\n"

// Summarizer condenses oversized working-set text. It may return text that
// is still over the cap; the cap is enforced after it runs.
type Summarizer func(string) string

// WriteWorkingSet stores text under the hard character cap.
func (f Files) WriteWorkingSet(text string, summarize Summarizer) error {
	if len(text) > WorkingSetMaxChars {
		if summarize != nil {
			text = summarize(text)
		}
		if len(text) > WorkingSetMaxChars {
			keep := WorkingSetMaxChars - len(truncationMarker)
			text = text[:keep] + truncationMarker
		}
	}
	return fsatomic.WriteFile(f.Layout.WorkingSetFile(f.Project, f.Task), []byte(text))
}

// ReadWorkingSet returns working_set.md, empty when absent.
func (f Files) ReadWorkingSet() (string, error) {
	b, err := os.ReadFile(f.Layout.WorkingSetFile(f.Project, f.Task))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}
