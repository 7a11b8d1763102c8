package llmclient

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// SystemInstruction is sent unchanged on every call, whichever backend is used.
const SystemInstruction = `You are operating a web browser that is working through an online training course.
You see a screenshot of the current screen and a numbered list of the interactive elements on it.
Choose exactly ONE next step from this vocabulary:

- "start": click a Launch, Resume, Start or Begin button to open or begin the course
- "next_page": click Next Page or Continue to see more of the current lesson
- "next_lesson": click Next Lesson once every page of the current lesson has been viewed
- "select_answer": choose an answer to a multiple choice or knowledge check question
- "submit_test": click Submit after an answer has been selected
- "wait": the screen is loading or animating and nothing can be clicked yet
- "unknown": none of the above applies

Priority when several apply: start, next_page, next_lesson, select_answer, submit_test, wait.
Never click Suspend Lesson or Exit Course. Do not pick Launch or Resume when the course player is already open.

Respond with ONLY one JSON object, no markdown and no other text:
{"action": "<one of the vocabulary values>", "element": "<label of the element to click>", "answer_index": <0-based index among the answers, select_answer only>, "answer_text": "<text of the chosen answer, select_answer only>", "reasoning": "<one short sentence>", "is_test": <true when this looks like a graded question>}`

// BuildUserPrompt renders the per-iteration context that accompanies the screenshot.
func BuildUserPrompt(req schemas.DecisionRequest) string {
	var sb strings.Builder

	if req.URL != "" {
		fmt.Fprintf(&sb, "Current URL: %s\n", req.URL)
	}
	if req.InCourse {
		sb.WriteString("The course player is open.\n")
	} else {
		sb.WriteString("The course player is not open yet; this looks like a catalogue or launch page.\n")
	}

	if len(req.Candidates) == 0 {
		sb.WriteString("No interactive elements were detected on this screen.\n")
	} else {
		sb.WriteString("Interactive elements:\n")
		answerIdx := 0
		for _, c := range req.Candidates {
			sb.WriteString(c.Describe())
			if c.Role.IsAnswer() {
				fmt.Fprintf(&sb, " (answer %d)", answerIdx)
				answerIdx++
			}
			sb.WriteByte('\n')
		}
	}

	if req.PriorActions != "" {
		fmt.Fprintf(&sb, "Your recent actions, oldest first: %s\n", req.PriorActions)
	}
	sb.WriteString("What is the next action?")
	return sb.String()
}
