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

package models

import "time"

// ItemStatus is the per-item outcome reported back to the caller.
type ItemStatus string

const (
	ItemUploaded  ItemStatus = "uploaded"
	ItemDuplicate ItemStatus = "duplicate"
	ItemInvalid   ItemStatus = "invalid"
	ItemError     ItemStatus = "error"
)

// ItemResult describes what happened to one submission, or to one report
// file inside a multi-entry archive.
type ItemResult struct {
	Submission   int        `json:"submission"` // index into the submitted batch
	Filename     string     `json:"filename"`
	Status       ItemStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ReportID     string     `json:"report_id,omitempty"`
}

// IngestionResult summarises one Ingest call.
type IngestionResult struct {
	Uploaded   int          `json:"uploaded"`
	Duplicates int          `json:"duplicates"`
	Invalid    int          `json:"invalid"`
	Errors     int          `json:"errors"`
	Items      []ItemResult `json:"per_item"`

	// Incomplete is set when the batch stopped early (budget exhausted or
	// caller cancelled); NotAttempted submissions were left untouched.
	Incomplete   bool          `json:"incomplete,omitempty"`
	NotAttempted int           `json:"not_attempted,omitempty"`
	Elapsed      time.Duration `json:"-"`
}

// Add records an item outcome and bumps the matching counter.
func (r *IngestionResult) Add(item ItemResult) {
	switch item.Status {
	case ItemUploaded:
		r.Uploaded++
	case ItemDuplicate:
		r.Duplicates++
	case ItemInvalid:
		r.Invalid++
	default:
		r.Errors++
	}
	r.Items = append(r.Items, item)
}
