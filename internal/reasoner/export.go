package reasoner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Export is the serializable form of a trace.
type Export struct {
	Steps      []Step    `json:"reasoning_trace"`
	TotalSteps int       `json:"total_steps"`
	TotalTime  float64   `json:"total_time"`
	ExportedAt time.Time `json:"exported_at"`
}

// ExportStructured snapshots the trace.
func (t *Trace) ExportStructured() Export {
	steps := t.Steps()
	var total float64
	for _, s := range steps {
		total += s.ElapsedTime
	}
	return Export{
		Steps:      steps,
		TotalSteps: len(steps),
		TotalTime:  total,
		ExportedAt: t.now(),
	}
}

// ExportReport renders the trace for humans.
func (t *Trace) ExportReport() string {
	steps := t.Steps()
	if len(steps) == 0 {
		return "No reasoning steps recorded."
	}
	var b strings.Builder
	var total float64
	for i, s := range steps {
		total += s.ElapsedTime
		fmt.Fprintf(&b, "[Step %d] (%.2fs)\n", i+1, s.ElapsedTime)
		fmt.Fprintf(&b, "Thought: %s\n", s.Thought)
		if s.Action != "" {
			fmt.Fprintf(&b, "Action: %s\n", s.Action)
		}
		if s.Observation != "" {
			fmt.Fprintf(&b, "Observation: %s\n", s.Observation)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Total reasoning time: %.2fs", total)
	return b.String()
}

// ExportMarkdown renders the trace as a markdown document.
func (t *Trace) ExportMarkdown() string {
	return t.ExportStructured().Markdown()
}

// Markdown renders an exported trace. Map-valued tool outputs are shown as
// indented JSON blocks, others inline.
func (e Export) Markdown() string {
	var b strings.Builder
	b.WriteString("# Reasoning Trace\n\n")
	for i, s := range e.Steps {
		fmt.Fprintf(&b, "## Step %d (%.2fs)\n\n", i+1, s.ElapsedTime)
		fmt.Fprintf(&b, "**Thought:** %s\n\n", s.Thought)
		if s.Action != "" {
			fmt.Fprintf(&b, "**Action:** %s\n\n", s.Action)
		}
		if s.Observation != "" {
			fmt.Fprintf(&b, "**Observation:**\n```\n%s\n```\n\n", s.Observation)
		}
		if len(s.ToolOutputs) > 0 {
			b.WriteString("**Tool Outputs:**\n")
			names := make([]string, 0, len(s.ToolOutputs))
			for name := range s.ToolOutputs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(&b, "- **%s:**", name)
				v := s.ToolOutputs[name]
				if m, ok := v.(map[string]any); ok {
					data, err := json.MarshalIndent(m, "  ", "  ")
					if err == nil {
						fmt.Fprintf(&b, "\n  ```json\n  %s\n  ```\n", data)
						continue
					}
				}
				fmt.Fprintf(&b, " %v\n", v)
			}
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "**Total Time:** %.2fs", e.TotalTime)
	return b.String()
}

// Appender accepts the synthetic trace message. The conversation manager
// implements it.
type Appender interface {
	AppendNamed(role, name, content string)
}

// TraceMessageName labels the message AttachTo appends.
const TraceMessageName = "reasoning_trace"

// AttachTo appends exactly one assistant message carrying the report.
func (t *Trace) AttachTo(a Appender) {
	a.AppendNamed("assistant", TraceMessageName, "[Reasoning Trace]\n"+t.ExportReport())
}
