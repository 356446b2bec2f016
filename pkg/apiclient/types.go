package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// State is the normalized task state.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "success"
	StateFailed    State = "failure"
)

// Numeric status codes used on the wire.
const (
	statusCodePending = 0
	statusCodeSuccess = 1
	statusCodeFailure = 2
)

// TaskStatus is the parsed status of one task.
type TaskStatus struct {
	State        State
	ProgressText string
	Files        []string
	Error        string
}

// QueryRequest is the status query body.
type QueryRequest struct {
	TaskIDList []string `json:"task_id_list"`
}

// SubmitData is the payload of a submission response.
type SubmitData struct {
	TaskID string `json:"task_id"`
}

// SubmitResponse is the envelope returned by the submit endpoint.
type SubmitResponse struct {
	Data SubmitData `json:"data"`
}

// QueryItem is one element of a status response. Status is an integer code or
// a state name; Result is a JSON-encoded list of {file} descriptors, either as
// a string or inline.
type QueryItem struct {
	TaskID       string          `json:"task_id,omitempty"`
	Status       json.RawMessage `json:"status"`
	ProgressText string          `json:"progress_text,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// QueryResponse is the envelope returned by the status endpoint.
type QueryResponse struct {
	Data []QueryItem `json:"data"`
}

// ResultFile is one downloadable result descriptor.
type ResultFile struct {
	File string `json:"file"`
}

// NewQueryItem builds a wire item in the service's native encoding.
func NewQueryItem(taskID string, state State, progress string, files []string, errMsg string) QueryItem {
	code := statusCodePending
	switch state {
	case StateSucceeded:
		code = statusCodeSuccess
	case StateFailed:
		code = statusCodeFailure
	}
	item := QueryItem{
		TaskID:       taskID,
		Status:       json.RawMessage(fmt.Sprintf("%d", code)),
		ProgressText: progress,
		Error:        errMsg,
	}
	if state == StateSucceeded {
		descs := make([]ResultFile, 0, len(files))
		for _, f := range files {
			descs = append(descs, ResultFile{File: f})
		}
		inner, _ := json.Marshal(descs)
		outer, _ := json.Marshal(string(inner))
		item.Result = outer
	}
	return item
}

type submitResponse struct {
	TaskID string      `json:"task_id"`
	Data   *SubmitData `json:"data"`
}

func (r submitResponse) taskID() string {
	if r.Data != nil && strings.TrimSpace(r.Data.TaskID) != "" {
		return strings.TrimSpace(r.Data.TaskID)
	}
	return strings.TrimSpace(r.TaskID)
}

// queryResponse accepts a bare list, {"data": [...]} or {"data": {...}}.
type queryResponse struct {
	list []QueryItem
}

func (r *queryResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, &r.list)
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '[':
		return json.Unmarshal(data, &r.list)
	default:
		var one QueryItem
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		r.list = []QueryItem{one}
		return nil
	}
}

func (r queryResponse) items() []QueryItem {
	return r.list
}

func (it QueryItem) status() (TaskStatus, error) {
	st, err := parseState(it.Status)
	if err != nil {
		return TaskStatus{}, err
	}
	out := TaskStatus{State: st, ProgressText: strings.TrimSpace(it.ProgressText), Error: it.Error}
	if st == StateSucceeded {
		files, err := parseResultFiles(it.Result)
		if err != nil {
			return TaskStatus{}, err
		}
		out.Files = files
	}
	return out, nil
}

func parseState(raw json.RawMessage) (State, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return StatePending, nil
	}
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		switch code {
		case statusCodePending:
			return StatePending, nil
		case statusCodeSuccess:
			return StateSucceeded, nil
		case statusCodeFailure:
			return StateFailed, nil
		default:
			return "", fmt.Errorf("unknown status code %d", code)
		}
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("parse status: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pending", "queued", "running", "processing":
		return StatePending, nil
	case "success", "succeeded", "completed", "done":
		return StateSucceeded, nil
	case "failure", "failed", "error":
		return StateFailed, nil
	default:
		return "", fmt.Errorf("unknown status %q", name)
	}
}

// parseResultFiles decodes the result list. The list may arrive as a JSON
// string that itself contains JSON.
func parseResultFiles(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("parse result: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			return nil, nil
		}
		raw = json.RawMessage(inner)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse result list: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		var desc ResultFile
		if err := json.Unmarshal(e, &desc); err == nil {
			if f := strings.TrimSpace(desc.File); f != "" {
				files = append(files, f)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(e, &s); err == nil && strings.TrimSpace(s) != "" {
			files = append(files, strings.TrimSpace(s))
		}
	}
	return files, nil
}
