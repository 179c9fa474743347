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

package parser

import "encoding/xml"

// The wire model mirrors the RFC 7489 <feedback> document. Optional and
// mandatory scalars are *string so that "absent" and "empty" stay distinct.
//
// Repeatable elements (record, auth_results/dkim, auth_results/spf,
// policy_evaluated/reason) are slices: encoding/xml appends one element per
// occurrence, so a lone <record> is a one-element slice and never collapses
// into a scalar.

type xmlFeedback struct {
	XMLName  xml.Name     `xml:"feedback"`
	Metadata *xmlMetadata `xml:"report_metadata"`
	Policy   *xmlPolicy   `xml:"policy_published"`
	Records  []xmlRecord  `xml:"record"`
}

type xmlMetadata struct {
	OrgName          *string       `xml:"org_name"`
	Email            *string       `xml:"email"`
	ExtraContactInfo *string       `xml:"extra_contact_info"`
	ReportID         *string       `xml:"report_id"`
	DateRange        *xmlDateRange `xml:"date_range"`
}

type xmlDateRange struct {
	Begin *string `xml:"begin"`
	End   *string `xml:"end"`
}

type xmlPolicy struct {
	Domain *string `xml:"domain"`
	ADKIM  *string `xml:"adkim"`
	ASPF   *string `xml:"aspf"`
	P      *string `xml:"p"`
	SP     *string `xml:"sp"`
	Pct    *string `xml:"pct"`
}

type xmlRecord struct {
	Row         *xmlRow         `xml:"row"`
	Identifiers *xmlIdentifiers `xml:"identifiers"`
	AuthResults *xmlAuthResults `xml:"auth_results"`
}

type xmlRow struct {
	SourceIP        *string             `xml:"source_ip"`
	Count           *string             `xml:"count"`
	PolicyEvaluated *xmlPolicyEvaluated `xml:"policy_evaluated"`
}

type xmlPolicyEvaluated struct {
	Disposition *string     `xml:"disposition"`
	DKIM        *string     `xml:"dkim"`
	SPF         *string     `xml:"spf"`
	Reasons     []xmlReason `xml:"reason"`
}

type xmlReason struct {
	Type    *string `xml:"type"`
	Comment *string `xml:"comment"`
}

type xmlIdentifiers struct {
	HeaderFrom   *string `xml:"header_from"`
	EnvelopeFrom *string `xml:"envelope_from"`
	EnvelopeTo   *string `xml:"envelope_to"`
}

type xmlAuthResults struct {
	DKIM []xmlDKIMResult `xml:"dkim"`
	SPF  []xmlSPFResult  `xml:"spf"`
}

type xmlDKIMResult struct {
	Domain   *string `xml:"domain"`
	Selector *string `xml:"selector"`
	Result   *string `xml:"result"`
}

type xmlSPFResult struct {
	Domain *string `xml:"domain"`
	Scope  *string `xml:"scope"`
	Result *string `xml:"result"`
}
