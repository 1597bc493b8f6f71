package subtask

import (
	"os"
	"strings"
)

// modelEnvPrefix is the environment namespace for model alias routing.
// A hint "sonnet" resolves through TASK_SUBAGENT_MODEL_SONNET.
const modelEnvPrefix = "TASK_SUBAGENT_MODEL_"

// ResolveModel maps a model alias to a concrete model name via the
// environment. Returns the resolved model and whether a mapping applied;
// an unmapped or empty hint returns ("", false) and no override is
// attempted.
func ResolveModel(hint string) (string, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", false
	}
	key := modelEnvPrefix + strings.ToUpper(hint)
	model := strings.TrimSpace(os.Getenv(key))
	if model == "" {
		return "", false
	}
	return model, true
}
