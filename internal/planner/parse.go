package planner

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nidhogg/taskforge/internal/capability"
)

// draftStep is a step as parsed, before repair.
type draftStep struct {
	Number       int
	Description  string
	Capability   string
	Dependencies []int
	Params       map[string]any
}

var errNoSteps = errors.New("no steps in response")

// jsonStep accepts both the current and the legacy field names.
type jsonStep struct {
	StepNumber   *looseInt      `json:"step_number"`
	Description  string         `json:"description"`
	Capability   *string        `json:"capability"`
	ToolNeeded   *string        `json:"tool_needed"`
	Dependencies []looseInt     `json:"dependencies"`
	Inputs       map[string]any `json:"inputs"`
}

// looseInt decodes a JSON number or a numeric string such as "2". A null
// decodes to 0, which repair later drops as an unknown step.
type looseInt int

func (n *looseInt) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*n = 0
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unq)
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*n = looseInt(v)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return fmt.Errorf("not an integer: %s", b)
	}
	*n = looseInt(f)
	return nil
}

// parseStrict reads the JSON step schema. It takes the outermost object,
// or a bare array of steps.
func parseStrict(text string) ([]draftStep, error) {
	var steps []jsonStep

	if start := strings.Index(text, "{"); start >= 0 {
		end := strings.LastIndex(text, "}")
		if end <= start {
			return nil, errors.New("unbalanced json object")
		}
		var doc struct {
			Steps []jsonStep `json:"steps"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &doc); err != nil {
			if arr, ok := arrayOf(text); ok {
				steps = arr
			} else {
				return nil, err
			}
		} else {
			steps = doc.Steps
		}
	} else if arr, ok := arrayOf(text); ok {
		steps = arr
	} else {
		return nil, errors.New("no json in response")
	}

	var out []draftStep
	for i, s := range steps {
		d := draftStep{
			Number:       i + 1,
			Description:  strings.TrimSpace(s.Description),
			Dependencies: intsOf(s.Dependencies),
			Params:       s.Inputs,
		}
		if s.StepNumber != nil {
			d.Number = int(*s.StepNumber)
		}
		switch {
		case s.Capability != nil:
			d.Capability = *s.Capability
		case s.ToolNeeded != nil:
			d.Capability = *s.ToolNeeded
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errNoSteps
	}
	return out, nil
}

func intsOf(in []looseInt) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func arrayOf(text string) ([]jsonStep, bool) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var steps []jsonStep
	if err := json.Unmarshal([]byte(text[start:end+1]), &steps); err != nil {
		return nil, false
	}
	return steps, true
}

var numberedLineRe = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)

// parseLines is the fallback grammar: every "N. text" or "N) text" line is
// a step. A capability is attached when its name appears verbatim in the
// text; longer names win so "a_b_c" beats "a_b".
func parseLines(text string, catalog capability.Catalog) []draftStep {
	names := catalog.Names()
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	var out []draftStep
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		m := numberedLineRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		desc := strings.TrimSpace(m[2])
		d := draftStep{Number: n, Description: desc}
		for _, name := range names {
			if strings.Contains(desc, name) {
				d.Capability = name
				break
			}
		}
		out = append(out, d)
	}
	return out
}
