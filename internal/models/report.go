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

// Disposition values as evaluated by the receiving mail system.
const (
	DispositionNone       = "none"
	DispositionQuarantine = "quarantine"
	DispositionReject     = "reject"
)

// Alignment modes for adkim/aspf.
const (
	AlignmentRelaxed = "r"
	AlignmentStrict  = "s"
)

// Report is one logical DMARC aggregate report. ReportID is the
// reporter-assigned identifier and is globally unique.
type Report struct {
	ID               int64     `json:"id,omitempty"`
	ReportID         string    `json:"report_id"`
	OrgName          string    `json:"org_name"`
	Email            string    `json:"email"`
	ExtraContactInfo *string   `json:"extra_contact_info,omitempty"`
	DateBegin        time.Time `json:"date_begin"`
	DateEnd          time.Time `json:"date_end"`
	Domain           string    `json:"domain"`
	ADKIM            string    `json:"adkim"`
	ASPF             string    `json:"aspf"`
	P                string    `json:"p"`
	SP               string    `json:"sp"`
	Pct              int       `json:"pct"`
	CreatedAt        time.Time `json:"created_at,omitempty"`

	Records []Record `json:"records"`
}

// MessageCount sums the message counts of all records.
func (r *Report) MessageCount() int64 {
	var n int64
	for _, rec := range r.Records {
		n += rec.Count
	}
	return n
}

// Record is one row of a report: the aggregate outcome for one source IP.
type Record struct {
	ID           int64   `json:"id,omitempty"`
	ReportID     int64   `json:"-"`
	SourceIP     string  `json:"source_ip"`
	Count        int64   `json:"count"`
	Disposition  string  `json:"disposition"`
	PolicyDKIM   string  `json:"policy_dkim"`
	PolicySPF    string  `json:"policy_spf"`
	Reason       *string `json:"reason,omitempty"`
	DKIMResult   string  `json:"dkim_result"`
	DKIMDomain   string  `json:"dkim_domain"`
	DKIMSelector string  `json:"dkim_selector"`
	SPFResult    string  `json:"spf_result"`
	SPFDomain    string  `json:"spf_domain"`
	SPFScope     string  `json:"spf_scope"`
	HeaderFrom   string  `json:"header_from"`
	EnvelopeFrom *string `json:"envelope_from,omitempty"`
	EnvelopeTo   *string `json:"envelope_to,omitempty"`
}

// ReportEvent is published downstream after a new report is stored.
type ReportEvent struct {
	ReportID  string `json:"report_id"`
	OrgName   string `json:"org_name"`
	Domain    string `json:"domain"`
	DateBegin string `json:"date_begin"`
	DateEnd   string `json:"date_end"`
	Records   int    `json:"records"`
	Messages  int64  `json:"messages"`
}

// NewReportEvent summarises a stored report for downstream consumers.
func NewReportEvent(r *Report) *ReportEvent {
	return &ReportEvent{
		ReportID:  r.ReportID,
		OrgName:   r.OrgName,
		Domain:    r.Domain,
		DateBegin: r.DateBegin.UTC().Format(time.RFC3339),
		DateEnd:   r.DateEnd.UTC().Format(time.RFC3339),
		Records:   len(r.Records),
		Messages:  r.MessageCount(),
	}
}
