package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/target/sandstorm/internal/core"
)

// agentConfig is the JSON document the runner reads at startup. The runner is
// opaque to the orchestrator beyond this contract and its webhook reports.
type agentConfig struct {
	JobID       string `json:"job_id"`
	Task        string `json:"task"`
	CodeRef     string `json:"code_ref"`
	CallbackURL string `json:"callback_url"`
}

func buildAgentConfig(req core.ProvisionRequest) ([]byte, error) {
	cfg := agentConfig{
		JobID:       req.JobID,
		Task:        req.Task,
		CodeRef:     req.CodeRef,
		CallbackURL: req.CallbackURL,
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal agent config: %w", err)
	}
	return raw, nil
}
