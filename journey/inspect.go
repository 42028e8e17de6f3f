package journey

import (
	"encoding/json"
	"fmt"
)

type stepDoc struct {
	State        string `json:"state"`
	UsecDuration uint64 `json:"usec_duration"`
}

type journeyDoc struct {
	Type  string             `json:"type"`
	Steps map[string]stepDoc `json:"steps"`
}

// InspectAsJSON serializes the journey for error reports and the
// inspection CLI:
//
//	{"type": "<TYPE>", "steps": {"<STEP>": {"state": ..., "usec_duration": ...}}}
func (j *Journey) InspectAsJSON() ([]byte, error) {
	doc := journeyDoc{
		Type:  j.typ.String(),
		Steps: make(map[string]stepDoc, len(j.steps)),
	}
	for step, info := range j.steps {
		doc.Steps[step.String()] = stepDoc{
			State:        info.State.String(),
			UsecDuration: info.DurationUsec(),
		}
	}
	return json.Marshal(doc)
}

// RebuildFromJSON reconstructs a journey from its InspectAsJSON form.
// The rebuilt journey carries exactly the serialized step set, each with
// its state and duration; start times are not preserved (durations are).
func RebuildFromJSON(data []byte) (*Journey, error) {
	var doc journeyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rebuild journey: %w", err)
	}
	typ, ok := ParseType(doc.Type)
	if !ok {
		return nil, fmt.Errorf("rebuild journey: unknown type %q", doc.Type)
	}

	j := &Journey{
		typ:   typ,
		steps: make(map[Step]*StepInfo, len(doc.Steps)),
	}
	for name, sd := range doc.Steps {
		step := ParseStep(name)
		if step == StepUnknown {
			return nil, fmt.Errorf("rebuild journey: unknown step %q", name)
		}
		if step == StepSubprocessExecWrapper {
			j.usingWrapper = true
		}
		j.steps[step] = &StepInfo{
			State:       ParseStepState(sd.State),
			EndTimeUsec: sd.UsecDuration,
		}
	}
	return j, nil
}
