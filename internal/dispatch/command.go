package dispatch

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"gatekeeper/internal/domain"
)

// CommandWorker executes work items by running a configured command. The item
// is passed through GK_* environment variables and the command's combined
// output becomes the tool report. Exit status decides success; the collector
// still applies its own parse and gate rules on top.
type CommandWorker struct {
	Class   string
	Command []string
}

func (w CommandWorker) Capability() string { return w.Class }

func (w CommandWorker) Execute(ctx context.Context, item domain.WorkItem) (Result, error) {
	if len(w.Command) == 0 {
		return Result{}, &NoCommandError{Class: w.Class}
	}
	cmd := exec.CommandContext(ctx, w.Command[0], w.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"GK_ITEM_ID="+item.ID,
		"GK_PROJECT="+item.Project,
		"GK_KIND="+item.Kind,
		"GK_DESCRIPTION="+item.Description,
		"GK_PRIORITY="+strconv.Itoa(item.Priority),
	)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return Result{Success: false, Output: buf.String()}, nil
		}
		return Result{}, err
	}
	return Result{Success: true, Output: buf.String()}, nil
}

type NoCommandError struct {
	Class string
}

func (e *NoCommandError) Error() string {
	return "no command configured for capability " + e.Class
}
