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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Source identifies which collector delivered a submission.
type Source string

const (
	SourceEmail  Source = "email"
	SourceUpload Source = "upload"
)

// RawSubmission is one file handed to the pipeline by a collector. It is
// transient: only its hash and metadata are persisted, as an Artifact.
type RawSubmission struct {
	Data       []byte
	Filename   string
	Source     Source
	ReceivedAt time.Time
	MessageID  string // optional, set for email attachments
}

// ArtifactStatus is the lifecycle state of an ingested artifact.
type ArtifactStatus string

const (
	ArtifactPending   ArtifactStatus = "pending"
	ArtifactProcessed ArtifactStatus = "processed"
	ArtifactDuplicate ArtifactStatus = "duplicate"
	ArtifactFailed    ArtifactStatus = "failed"
)

// Handled reports whether the artifact's bytes have already been fully
// dealt with, so a resubmission must be skipped.
func (s ArtifactStatus) Handled() bool {
	return s == ArtifactProcessed || s == ArtifactDuplicate
}

// Artifact tracks one attempted ingestion unit (one file or attachment).
// ContentHash is globally unique.
type Artifact struct {
	ID             int64
	ContentHash    string
	Filename       string
	FileSize       int64
	Source         Source
	MessageID      string
	Status         ArtifactStatus
	ErrorMessage   string
	LinkedReportID *int64
	ReceivedAt     time.Time
	UpdatedAt      time.Time
}
