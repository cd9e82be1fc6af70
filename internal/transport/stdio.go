// Package transport implements the JSON-over-stdio wire contract (spec
// §6): requests arrive one-per-line as `{method, params}`, responses are
// written as `{ok, value?, error?}`, and routes to the Task Manager's
// operations. Stdout carries only this framing; every log line goes to
// stderr via the daemon's structured logger, never stdout.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/manager"
)

// request is one line of client input.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is one line of daemon output.
type response struct {
	OK    bool   `json:"ok"`
	Value any    `json:"value,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// StdioServer reads requests from r and writes responses to w, one JSON
// object per line, routing each to the Task Manager.
type StdioServer struct {
	mgr *manager.Manager
	r   *bufio.Scanner
	w   io.Writer
}

// NewStdioServer constructs a server bound to the given manager and
// byte streams (typically os.Stdin/os.Stdout).
func NewStdioServer(mgr *manager.Manager, r io.Reader, w io.Writer) *StdioServer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &StdioServer{mgr: mgr, r: scanner, w: w}
}

// Serve blocks, processing one request per line until r is exhausted or
// ctx is cancelled.
func (s *StdioServer) Serve(ctx context.Context) error {
	for s.r.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := s.r.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handleLine(ctx, line)
		if err := s.writeResponse(resp); err != nil {
			return err
		}
	}
	return s.r.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return errResponse(apperr.New(apperr.InvalidOperation, "malformed request: "+err.Error()))
	}

	value, err := s.dispatch(ctx, req)
	if err != nil {
		return errResponse(err)
	}
	return response{OK: true, Value: value}
}

func (s *StdioServer) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Method {
	case "delegate":
		var p delegateParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, apperr.Wrap(apperr.InvalidOperation, "decode delegate params", err)
		}
		return s.mgr.Delegate(ctx, p.toManagerParams())

	case "status":
		var p struct {
			TaskID string `json:"taskId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		task, all, err := s.mgr.GetStatus(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		if p.TaskID == "" {
			return all, nil
		}
		return task, nil

	case "logs":
		var p struct {
			TaskID string `json:"taskId"`
			Tail   int    `json:"tail"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, apperr.Wrap(apperr.InvalidOperation, "decode logs params", err)
		}
		out, err := s.mgr.GetLogs(ctx, p.TaskID, p.Tail)
		if err != nil {
			return nil, err
		}
		return out, nil

	case "cancel":
		var p struct {
			TaskID string `json:"taskId"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, apperr.Wrap(apperr.InvalidOperation, "decode cancel params", err)
		}
		return nil, s.mgr.Cancel(ctx, p.TaskID, p.Reason)

	case "retry":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, apperr.Wrap(apperr.InvalidOperation, "decode retry params", err)
		}
		return s.mgr.Retry(ctx, p.TaskID)

	case "resume":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, apperr.Wrap(apperr.InvalidOperation, "decode resume params", err)
		}
		return s.mgr.Resume(ctx, p.TaskID)

	default:
		return nil, apperr.Newf(apperr.InvalidOperation, "unknown method %q", req.Method)
	}
}

type delegateParams struct {
	Prompt          string                 `json:"prompt"`
	Priority        string                 `json:"priority"`
	Cwd             string                 `json:"cwd"`
	TimeoutMs       int64                  `json:"timeoutMs"`
	MaxOutputBuffer int64                  `json:"maxOutputBuffer"`
	Worktree        *domain.WorktreeConfig `json:"worktree,omitempty"`
	ParentTaskID    string                 `json:"parentTaskId"`
	ContinueFrom    string                 `json:"continueFrom"`
	DependsOn       []string               `json:"dependsOn"`
	Tags            []string               `json:"tags"`
	Metadata        map[string]string      `json:"metadata"`
}

func (p delegateParams) toManagerParams() manager.DelegateParams {
	return manager.DelegateParams{
		Prompt:          p.Prompt,
		Priority:        domain.Priority(p.Priority),
		Cwd:             p.Cwd,
		TimeoutMs:       p.TimeoutMs,
		MaxOutputBuffer: p.MaxOutputBuffer,
		Worktree:        p.Worktree,
		ParentTaskID:    p.ParentTaskID,
		ContinueFrom:    p.ContinueFrom,
		DependsOn:       p.DependsOn,
		Tags:            p.Tags,
		Metadata:        p.Metadata,
	}
}

func errResponse(err error) response {
	appErr := apperr.AsSystemError(err)
	return response{OK: false, Error: &wireError{Code: string(appErr.Code), Message: appErr.Message, Context: appErr.Context}}
}

func (s *StdioServer) writeResponse(resp response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		return err
	}
	data = append(data, '\n')
	_, err = s.w.Write(data)
	return err
}
