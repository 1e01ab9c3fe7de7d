package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/quillwiki/quill/errors"
)

// ExecHandler runs an external command for every job of its type: the job's
// params are written to the command's stdin as JSON, and stdout is recorded
// as the job's result. This is the escape hatch for wiki maintenance scripts
// that are not worth porting into the process.
type ExecHandler struct {
	jobType string
	command string
	args    []string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewExecHandler creates a handler binding a job type to a command.
// A zero timeout defaults to 60 seconds.
func NewExecHandler(jobType, command string, args []string, timeout time.Duration, logger *zap.SugaredLogger) *ExecHandler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecHandler{
		jobType: jobType,
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger.Named("exec"),
	}
}

// Name returns the job type this handler serves.
func (h *ExecHandler) Name() string {
	return h.jobType
}

// Execute runs the command with the job params on stdin. A non-zero exit is
// a handler failure carrying the command's stderr; stdout must be valid JSON
// (or empty) since it becomes the job's result payload.
func (h *ExecHandler) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.logger.Infow("Running command",
		"job_id", job.ID,
		"job_type", h.jobType,
		"command", h.command)

	cmd := exec.CommandContext(execCtx, h.command, h.args...)
	if len(job.Params) > 0 {
		cmd.Stdin = bytes.NewReader(job.Params)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(err, "command timed out after %s", h.timeout)
		}
		wrapped := errors.Wrapf(err, "command %s failed", h.command)
		if stderr.Len() > 0 {
			wrapped = errors.WithDetailf(wrapped, "stderr: %s", stderr.String())
		}
		return nil, wrapped
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		// Wrap free-form output so the stored result stays JSON.
		wrapped, err := json.Marshal(map[string]string{"output": string(out)})
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode command output")
		}
		out = wrapped
	}

	h.logger.Infow("Command finished",
		"job_id", job.ID,
		"stdout_bytes", stdout.Len())
	return out, nil
}
