package flow

import (
	"bytes"
	"fmt"
	"strings"
)

// RenderStepPrompt builds the prompt for step from the results so far.
func RenderStepPrompt(step DynamicStep, previous []StepSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executing step: %s\nDescription: %s\n\n", step.StepID, step.Description)

	if len(previous) > 0 {
		b.WriteString("Previous step results:\n")
		for i, result := range previous {
			status := "SUCCESS"
			if !result.Success {
				status = "FAILED"
			}
			fmt.Fprintf(&b, "  Step %d: %s - %s\n", i+1, result.StepID, status)
			if data := bytes.TrimSpace(result.Output); len(data) > 0 && string(data) != "null" {
				fmt.Fprintf(&b, "    Data: %s\n", data)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Current task: %s\nPlease execute this step and report results.", step.PromptTemplate)
	return b.String()
}
