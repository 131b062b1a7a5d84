// ABOUTME: This file implements C3, the Task Waiter: polling a Proxmox UPID
// until it finishes, and fetching a short log tail on failure.
package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WaitForTask blocks until taskID completes or ctx is canceled. Success is
// status=stopped with exitstatus=OK; anything else returns a
// *TaskFailedError carrying up to 10 lines of the task log.
func (c *APIClient) WaitForTask(ctx context.Context, host Host, node string, taskID TaskID) error {
	return c.waitForTask(ctx, host, node, taskID)
}

func (c *APIClient) waitForTask(ctx context.Context, host Host, node string, taskID TaskID) error {
	node = strings.TrimSpace(node)
	upid := strings.TrimSpace(string(taskID))
	if node == "" || upid == "" {
		return nil
	}

	wait := c.PollInterval
	if wait <= 0 {
		wait = 2 * time.Second
	}
	maxWait := c.MaxPollWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	for {
		endpoint := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))
		data, err := c.doGet(ctx, host, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			return err
		}
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return fmt.Errorf("parse task status: %w", err)
		}
		if strings.EqualFold(status.Status, "stopped") {
			if status.ExitStatus != "" && !strings.EqualFold(status.ExitStatus, "OK") {
				return &TaskFailedError{TaskID: taskID, ExitCode: status.ExitStatus, LogTail: c.taskLogTail(ctx, host, node, taskID)}
			}
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		wait = nextBackoff(wait, maxWait)
	}
}

// taskLogTail fetches up to the last 10 lines of a failed task's log. Best
// effort: any error fetching the log is swallowed, since it is only used to
// enrich a failure message that already has the exit status.
func (c *APIClient) taskLogTail(ctx context.Context, host Host, node string, taskID TaskID) []string {
	endpoint := fmt.Sprintf("/nodes/%s/tasks/%s/log?start=-10", node, url.PathEscape(string(taskID)))
	data, err := c.doGet(ctx, host, endpoint)
	if err != nil {
		return nil
	}
	var lines []struct {
		N int    `json:"n"`
		T string `json:"t"`
	}
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.T)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
