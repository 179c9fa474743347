// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"encoding/json"
	"testing"

	"github.com/bcem/ruaingest/internal/models"
)

func TestEncode(t *testing.T) {
	p := NewPublisher(nil, "dmarc_reports", "")
	event := &models.ReportEvent{
		ReportID:  "999000111",
		OrgName:   "google.com",
		Domain:    "example.com",
		DateBegin: "2024-01-30T00:00:00Z",
		DateEnd:   "2024-01-30T23:59:59Z",
		Records:   1,
		Messages:  5,
	}

	raw, err := p.encode("task-1", event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var msg celeryMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if msg.Headers["task"] != DefaultTaskName || msg.Headers["id"] != "task-1" {
		t.Errorf("headers = %v", msg.Headers)
	}
	if msg.Properties["routing_key"] != "dmarc_reports" {
		t.Errorf("routing_key = %v, want dmarc_reports", msg.Properties["routing_key"])
	}

	var task celeryTask
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Task != DefaultTaskName || len(task.Args) != 1 {
		t.Fatalf("task = %+v", task)
	}

	arg, ok := task.Args[0].(string)
	if !ok {
		t.Fatalf("task arg is %T, want string", task.Args[0])
	}
	var got models.ReportEvent
	if err := json.Unmarshal([]byte(arg), &got); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if got != *event {
		t.Errorf("event = %+v, want %+v", got, *event)
	}
}

func TestNewPublisher_TaskName(t *testing.T) {
	if p := NewPublisher(nil, "q", "custom.task"); p.taskName != "custom.task" {
		t.Errorf("taskName = %q, want custom.task", p.taskName)
	}
}
