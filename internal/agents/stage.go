// Package agents defines the agent stages of a call, the functions each
// stage may call, and the builders that turn a stage plus handoff context
// into voice agent settings.
package agents

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage is one agent persona in the call pipeline. Stages are totally
// ordered: qualifier < advisor < closer.
type Stage int

const (
	StageQualifier Stage = iota + 1
	StageAdvisor
	StageCloser
)

var stageNames = map[Stage]string{
	StageQualifier: "qualifier",
	StageAdvisor:   "advisor",
	StageCloser:    "closer",
}

// successors is the handoff table. A stage without an entry is terminal.
var successors = map[Stage]Stage{
	StageQualifier: StageAdvisor,
	StageAdvisor:   StageCloser,
}

var titleCaser = cases.Title(language.English)

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageQualifier, StageAdvisor, StageCloser}
}

// ParseStage resolves a stage by name, case-insensitively.
func ParseStage(name string) (Stage, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for stage, n := range stageNames {
		if n == needle {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is a declared stage.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Next returns the stage that follows s. The boolean is false for terminal stages.
func (s Stage) Next() (Stage, bool) {
	next, ok := successors[s]
	return next, ok
}

// IsTerminal reports whether s has no successor.
func (s Stage) IsTerminal() bool {
	_, ok := successors[s]
	return !ok
}

// DisplayName is the human-facing stage name ("Qualifier").
func (s Stage) DisplayName() string {
	return titleCaser.String(s.String())
}
