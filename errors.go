package testbed

import "fmt"

// ErrTransportConnect reports a failure to establish the broker connection
// after the retry policy is exhausted. Fatal to the agent.
type ErrTransportConnect struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ErrTransportConnect) Error() string {
	return fmt.Sprintf("broker connect %s failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *ErrTransportConnect) Unwrap() error { return e.Err }

// ErrMonitorAPI reports a non-2xx response or transport failure from the
// monitor REST API. Call sites decide whether the call was workflow-critical
// (abort) or best-effort (log and continue).
type ErrMonitorAPI struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *ErrMonitorAPI) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("monitor %s %s: %s", e.Method, e.Path, e.Body)
	}
	return fmt.Sprintf("monitor %s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// ErrConfig reports a missing required section or an out-of-range value in
// the TOML configuration. Fail fast at startup.
type ErrConfig struct {
	Key     string
	Message string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// ErrWorkflowCode reports a run_workflow request naming a workflow with no
// registered executor. Fatal to the workflow, not the agent.
type ErrWorkflowCode struct {
	Workflow string
}

func (e *ErrWorkflowCode) Error() string {
	return fmt.Sprintf("no executor registered for workflow %q", e.Workflow)
}
