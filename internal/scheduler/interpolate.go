package scheduler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/orchestrator-core/internal/models"
)

// resultPlaceholderRe matches {result}, {result.field}, and
// {result.nested.field}, grounded on original_source's
// _RESULT_PLACEHOLDER_RE = re.compile(r"\{result(?:\.(\w[\w.]*))?\}").
var resultPlaceholderRe = regexp.MustCompile(`\{result(?:\.([\w.]+))?\}`)

// interpolate fills {result}, {result.field}, {job_id}, and
// {workflow_id} placeholders in a completion/failure message template.
func interpolate(template string, job *models.ScheduledJob, data map[string]any) string {
	out := resultPlaceholderRe.ReplaceAllStringFunc(template, func(match string) string {
		sub := resultPlaceholderRe.FindStringSubmatch(match)
		field := sub[1]
		if field == "" {
			return renderResult(data)
		}
		return fmt.Sprintf("%v", lookupDottedField(data, field))
	})
	out = strings.ReplaceAll(out, "{job_id}", job.ID)
	out = strings.ReplaceAll(out, "{workflow_id}", job.WorkflowID)
	return out
}

// renderResult stringifies the bare {result} placeholder. It applies the
// same resultSummaryKeys whitelist as SummarizeResult: the check result can
// carry a bulky field like a full session transcript, and {result} is
// substituted straight into a user-facing on_success_message/
// on_failure_message, so an unfiltered join would leak it.
func renderResult(data map[string]any) string {
	if data == nil {
		return ""
	}
	parts := make([]string, 0, len(resultSummaryKeys))
	for _, k := range resultSummaryKeys {
		if v, ok := data[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, ", ")
}

// resultSummaryKeys is the whitelist applied when a resume_conversation
// completion message embeds result_data into the synthetic continuation
// message, grounded on original_source's _RESULT_SUMMARY_KEYS — this
// keeps task transcripts from flooding the Context Builder's budget.
var resultSummaryKeys = []string{"task_id", "status", "workspace", "mode", "error", "elapsed_seconds", "exit_code"}

// SummarizeResult filters data down to resultSummaryKeys, used when
// building the synthetic "[Automated workflow continuation]" message the
// orchestrator's /continue handler constructs.
func SummarizeResult(data map[string]any) map[string]any {
	out := make(map[string]any)
	for _, k := range resultSummaryKeys {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return out
}
