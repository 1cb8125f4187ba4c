package supervisor

import (
	"fmt"
	"strings"

	"github.com/beadworks/mayor/pkg/models"
)

// CompleteMarker and BlockedMarkerPrefix are the markers workers print to
// signal their own verdict. The blocked marker carries a reason after the
// colon.
const (
	CompleteMarker      = "FEATURE_COMPLETE"
	BlockedMarkerPrefix = "FEATURE_BLOCKED:"
)

const truncationNotice = "\n\n[description truncated]"

// BuildPrompt renders the worker prompt for a bead. The result is capped
// at maxBytes by truncating the description, which is the only unbounded
// part.
func BuildPrompt(b *models.Bead, maxBytes int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are working on: %s (%s)\n\n", b.Name, b.ID))
	sb.WriteString("## Description\n\n")
	sb.WriteString(b.Description)
	sb.WriteString("\n")

	if len(b.TestCases) > 0 {
		sb.WriteString("\n## Test cases that must pass\n\n")
		for _, tc := range b.TestCases {
			sb.WriteString("- ")
			sb.WriteString(tc)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n## Reporting\n\n")
	sb.WriteString("When the work is complete and all tests pass, print " + CompleteMarker + " on its own line.\n")
	sb.WriteString("If you cannot make progress, print " + BlockedMarkerPrefix + " <reason> and stop.\n")

	prompt := sb.String()
	if maxBytes > 0 && len(prompt) > maxBytes {
		// Trim the description, keep head and tail sections intact.
		over := len(prompt) - maxBytes + len(truncationNotice)
		desc := b.Description
		if over < len(desc) {
			trimmed := *b
			trimmed.Description = desc[:len(desc)-over] + truncationNotice
			return BuildPrompt(&trimmed, 0)
		}
		trimmed := *b
		trimmed.Description = truncationNotice
		return BuildPrompt(&trimmed, 0)
	}
	return prompt
}

// retroKeywords mark transcript sentences worth keeping in the two-line
// retrospective summary.
var retroKeywords = []string{"created", "fixed", "test", "passing", "error"}

// BuildRetro distills a worker transcript into at most two sentences that
// mention concrete outcomes.
func BuildRetro(transcript []string) string {
	var picked []string
	for _, line := range transcript {
		lower := strings.ToLower(line)
		for _, kw := range retroKeywords {
			if strings.Contains(lower, kw) {
				picked = append(picked, strings.TrimSpace(line))
				break
			}
		}
		if len(picked) == 2 {
			break
		}
	}
	return strings.Join(picked, " ")
}
