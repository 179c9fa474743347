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

// Package queue publishes report events to Redis as Celery-compatible tasks.
// The alerting workers consume them to evaluate freshly stored reports.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/ruaingest/internal/models"
)

// DefaultTaskName is the Celery task the alerting workers register.
const DefaultTaskName = "alerts.tasks.evaluate_report"

// Publisher sends report events to Redis in Celery task format.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	taskName  string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
// An empty taskName selects DefaultTaskName.
func NewPublisher(rdb *redis.Client, queueName, taskName string) *Publisher {
	if taskName == "" {
		taskName = DefaultTaskName
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		taskName:  taskName,
	}
}

// celeryTask represents a Celery-compatible task message.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// PublishReport publishes a stored report's summary as a Celery task.
func (p *Publisher) PublishReport(ctx context.Context, event *models.ReportEvent) error {
	taskID := uuid.New().String()
	msg, err := p.encode(taskID, event)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published report event to queue",
		"task_id", taskID,
		"report_id", event.ReportID,
		"domain", event.Domain,
		"queue", p.queueName,
	)
	return nil
}

func (p *Publisher) encode(taskID string, event *models.ReportEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal report event: %w", err)
	}

	task := celeryTask{
		ID:     taskID,
		Task:   p.taskName,
		Args:   []interface{}{string(eventJSON)},
		Kwargs: map[string]interface{}{},
	}
	taskBody, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal celery task: %w", err)
	}

	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    p.taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       p.queueName,
			"routing_key":    p.queueName,
			"delivery_info": map[string]string{
				"exchange":    p.queueName,
				"routing_key": p.queueName,
			},
		},
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal celery message: %w", err)
	}
	return string(msgJSON), nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
