package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

type checkOutcome struct {
	met  bool
	data map[string]any
}

// pollModuleConfig is the check_config shape for job_type=poll_module.
type pollModuleConfig struct {
	Module        string          `json:"module"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args"`
	SuccessField  string          `json:"success_field"`
	SuccessValues []string        `json:"success_values"`
	Operator      string          `json:"operator"`
}

// delayConfig is the check_config shape for job_type=delay.
type delayConfig struct {
	DelaySeconds int `json:"delay_seconds"`
}

// pollURLConfig is the check_config shape for job_type=poll_url.
type pollURLConfig struct {
	URL              string `json:"url"`
	Method           string `json:"method"`
	ExpectedStatus   int    `json:"expected_status"`
	ResponseField    string `json:"response_field"`
	ResponseValue    string `json:"response_value"`
	ResponseOperator string `json:"response_operator"`
}

func (s *Scheduler) evaluateCheck(ctx context.Context, job *models.ScheduledJob) (checkOutcome, error) {
	switch job.JobType {
	case models.JobTypePollModule:
		return s.evaluatePollModule(ctx, job)
	case models.JobTypeDelay:
		return s.evaluateDelay(job)
	case models.JobTypePollURL:
		return s.evaluatePollURL(ctx, job)
	case models.JobTypeWebhook:
		// Webhook jobs only complete via FireWebhook or
		// VerifyAndFireWebhook; a due tick is simply not met.
		return checkOutcome{met: false}, nil
	default:
		return checkOutcome{}, fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// normalizeToolName qualifies a poll_module config's bare tool name with its
// module ("status" becomes "deploy.status"); a tool name that already
// contains a dot is returned unchanged. Underscores are not rewritten.
func normalizeToolName(module, tool string) string {
	if strings.Contains(tool, ".") {
		return tool
	}
	return module + "." + tool
}

func (s *Scheduler) evaluatePollModule(ctx context.Context, job *models.ScheduledJob) (checkOutcome, error) {
	var cfg pollModuleConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return checkOutcome{}, fmt.Errorf("invalid poll_module check_config: %w", err)
	}

	result, err := s.tools.Execute(ctx, contract.ToolCall{
		ToolName:  normalizeToolName(cfg.Module, cfg.Tool),
		Arguments: cfg.Args,
		UserID:    job.UserID,
	})
	if err != nil {
		return checkOutcome{}, err
	}
	if !result.Success {
		return checkOutcome{}, fmt.Errorf("%s", result.Error)
	}

	var resultMap map[string]any
	if len(result.Result) > 0 {
		_ = json.Unmarshal(result.Result, &resultMap)
	}

	actual := fmt.Sprintf("%v", resultMap[cfg.SuccessField])
	met := evaluateCondition(cfg.Operator, actual, cfg.SuccessValues)
	return checkOutcome{met: met, data: resultMap}, nil
}

func (s *Scheduler) evaluateDelay(job *models.ScheduledJob) (checkOutcome, error) {
	var cfg delayConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return checkOutcome{}, fmt.Errorf("invalid delay check_config: %w", err)
	}
	elapsed := s.now().Sub(job.CreatedAt)
	met := elapsed >= time.Duration(cfg.DelaySeconds)*time.Second
	return checkOutcome{met: met}, nil
}

func (s *Scheduler) evaluatePollURL(ctx context.Context, job *models.ScheduledJob) (checkOutcome, error) {
	var cfg pollURLConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return checkOutcome{}, fmt.Errorf("invalid poll_url check_config: %w", err)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
	if err != nil {
		return checkOutcome{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return checkOutcome{}, err
	}
	defer resp.Body.Close()

	expected := cfg.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return checkOutcome{met: false}, nil
	}
	if cfg.ResponseField == "" {
		return checkOutcome{met: true}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return checkOutcome{}, err
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return checkOutcome{met: false}, nil
	}
	actual := fmt.Sprintf("%v", lookupDottedField(parsed, cfg.ResponseField))
	met := evaluateCondition(cfg.ResponseOperator, actual, []string{cfg.ResponseValue})
	return checkOutcome{met: met, data: parsed}, nil
}

// lookupDottedField resolves a dotted path like "a.b.c" against a decoded
// JSON object, used by poll_url's response_field inspection.
func lookupDottedField(obj map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}
