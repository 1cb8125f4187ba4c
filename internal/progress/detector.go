package progress

import (
	"strings"

	"github.com/beadworks/mayor/pkg/models"
)

// stageKeywords maps output keywords to stages. Order matters: the first
// table whose keywords match wins, so later phases are checked first only
// within their own row ordering below.
var stageKeywords = []struct {
	stage    models.Stage
	keywords []string
}{
	{models.StageAnalyzing, []string{"analyzing", "reading", "exploring", "understanding", "looking at"}},
	{models.StagePlanning, []string{"planning", "design", "approach", "strategy", "breaking down"}},
	{models.StageImplementing, []string{"implementing", "writing", "creating", "adding", "editing", "modifying"}},
	{models.StageTesting, []string{"testing", "running test", "pytest", "go test", "npm test", "verifying"}},
	{models.StageReviewing, []string{"reviewing", "checking", "validating", "final check", "cleanup"}},
}

// DetectStage scans a chunk of worker output and returns the first stage
// whose keyword table matches, or empty when nothing matches.
func DetectStage(output string) models.Stage {
	lower := strings.ToLower(output)
	for _, entry := range stageKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.stage
			}
		}
	}
	return ""
}
