package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JobRef is the payload of a queue message. It only references the job;
// workers load the full record from the JobStore.
type JobRef struct {
	JobID string `json:"jobId"`
}

// QueueMessage is what the broker carries between enqueue and a worker
type QueueMessage struct {
	QueueName string `json:"queueName"`
	JobName   string `json:"jobName"`
	Payload   JobRef `json:"payload"`
}

// ResultEvent is one message published on a job's response channel
type ResultEvent struct {
	Channel  string
	Body     json.RawMessage
	Finished bool
}

// ResultChannel returns the pub/sub channel carrying a job's results
func ResultChannel(jobID string) string {
	return fmt.Sprintf("job:%s:responses", jobID)
}

// ParseResultEvent decodes a raw channel message. The body must be a JSON
// object; its finished field marks the last event of the stream.
func ParseResultEvent(channel string, raw []byte) (ResultEvent, error) {
	var head struct {
		Finished bool `json:"finished"`
	}
	if !json.Valid(raw) {
		return ResultEvent{}, NewValidationError("body", "is not valid JSON")
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return ResultEvent{}, NewValidationError("body", "is not a JSON object")
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ResultEvent{}, NewValidationError("body", "is not a JSON object")
	}
	return ResultEvent{
		Channel:  channel,
		Body:     append(json.RawMessage(nil), raw...),
		Finished: head.Finished,
	}, nil
}
