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

// Package parser turns one DMARC aggregate report XML document into a
// normalized models.Report. Parsing is pure: no database, no I/O.
package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/bcem/ruaingest/internal/models"
)

// Validation reasons.
const (
	ReasonMissing      = "missing required field"
	ReasonMalformed    = "malformed xml"
	ReasonDateRange    = "invalid date range"
	ReasonInvalidValue = "invalid value"
	ReasonNotPositive  = "must be a positive integer"
	ReasonTimestamp    = "not a unix timestamp"
	ReasonNoRecords    = "report contains no records"
)

// ValidationError reports a document that is not a usable aggregate report.
// Field is the dotted path of the offending element.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid report: %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Parser converts report XML into models.Report values.
type Parser struct {
	// RejectEmpty makes a report without any <record> a validation error.
	// When false such reports are accepted with zero records, so their
	// report_id still deduplicates later resends.
	RejectEmpty bool
}

// New creates a parser.
func New(rejectEmpty bool) *Parser {
	return &Parser{RejectEmpty: rejectEmpty}
}

// Parse decodes and normalizes one report document.
func (p *Parser) Parse(data []byte) (*models.Report, error) {
	fb, err := decodeFeedback(data)
	if err != nil {
		return nil, err
	}

	report := &models.Report{}
	if err := parseMetadata(fb.Metadata, report); err != nil {
		return nil, err
	}
	if err := parsePolicy(fb.Policy, report); err != nil {
		return nil, err
	}

	report.Records = make([]models.Record, 0, len(fb.Records))
	for i := range fb.Records {
		rec, err := parseRecord(i, &fb.Records[i])
		if err != nil {
			return nil, err
		}
		report.Records = append(report.Records, rec)
	}

	if p.RejectEmpty && len(report.Records) == 0 {
		return nil, invalid("record", ReasonNoRecords)
	}
	return report, nil
}

func decodeFeedback(data []byte) (*xmlFeedback, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader

	var fb xmlFeedback
	if err := dec.Decode(&fb); err != nil {
		return nil, &ValidationError{Field: "feedback", Reason: ReasonMalformed, Err: err}
	}
	// Drain the rest so trailing junk after </feedback> is still caught.
	for {
		if _, err := dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &ValidationError{Field: "feedback", Reason: ReasonMalformed, Err: err}
		}
	}
	return &fb, nil
}

// charsetReader lets reports declare legacy encodings (ISO-8859-1 and
// friends are common from older MTAs).
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", label, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func parseMetadata(md *xmlMetadata, report *models.Report) error {
	if md == nil {
		return invalid("report_metadata.org_name", ReasonMissing)
	}

	var err error
	if report.OrgName, err = required("report_metadata.org_name", md.OrgName); err != nil {
		return err
	}
	if report.Email, err = required("report_metadata.email", md.Email); err != nil {
		return err
	}
	if report.ReportID, err = required("report_metadata.report_id", md.ReportID); err != nil {
		return err
	}
	report.ExtraContactInfo = optional(md.ExtraContactInfo)

	var dr xmlDateRange
	if md.DateRange != nil {
		dr = *md.DateRange
	}
	begin, err := epoch("report_metadata.date_range.begin", dr.Begin)
	if err != nil {
		return err
	}
	end, err := epoch("report_metadata.date_range.end", dr.End)
	if err != nil {
		return err
	}
	// A reversed range is a reporter bug; swapping it would hide that.
	if begin.After(end) {
		return invalid("report_metadata.date_range", ReasonDateRange)
	}
	report.DateBegin, report.DateEnd = begin, end
	return nil
}

func parsePolicy(pp *xmlPolicy, report *models.Report) error {
	if pp == nil {
		return invalid("policy_published.domain", ReasonMissing)
	}

	domain, err := required("policy_published.domain", pp.Domain)
	if err != nil {
		return err
	}
	report.Domain = strings.ToLower(domain)

	if report.ADKIM, err = alignmentOrDefault("policy_published.adkim", pp.ADKIM); err != nil {
		return err
	}
	if report.ASPF, err = alignmentOrDefault("policy_published.aspf", pp.ASPF); err != nil {
		return err
	}

	rawP, err := required("policy_published.p", pp.P)
	if err != nil {
		return err
	}
	if report.P, err = policyValue("policy_published.p", rawP); err != nil {
		return err
	}
	if report.SP, err = subdomainPolicy(pp.SP, report.P); err != nil {
		return err
	}
	report.Pct = percentOrDefault(pp.Pct)
	return nil
}

func parseRecord(i int, xr *xmlRecord) (models.Record, error) {
	prefix := fmt.Sprintf("record[%d]", i)
	var rec models.Record

	row := xr.Row
	if row == nil {
		row = &xmlRow{}
	}

	ip, err := required(prefix+".row.source_ip", row.SourceIP)
	if err != nil {
		return rec, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return rec, &ValidationError{Field: prefix + ".row.source_ip", Reason: ReasonInvalidValue, Err: err}
	}
	rec.SourceIP = addr.String()

	rawCount, err := required(prefix+".row.count", row.Count)
	if err != nil {
		return rec, err
	}
	count, err := strconv.ParseInt(rawCount, 10, 64)
	if err != nil || count <= 0 {
		return rec, invalid(prefix+".row.count", ReasonNotPositive)
	}
	rec.Count = count

	pe := row.PolicyEvaluated
	if pe == nil {
		pe = &xmlPolicyEvaluated{}
	}
	rawDisposition, err := required(prefix+".row.policy_evaluated.disposition", pe.Disposition)
	if err != nil {
		return rec, err
	}
	if rec.Disposition, err = policyValue(prefix+".row.policy_evaluated.disposition", rawDisposition); err != nil {
		return rec, err
	}
	rec.PolicyDKIM = verdictOrNone(pe.DKIM)
	rec.PolicySPF = verdictOrNone(pe.SPF)
	if r, ok := first(pe.Reasons); ok {
		rec.Reason = optional(r.Type)
	}

	if ids := xr.Identifiers; ids != nil {
		rec.HeaderFrom, _ = text(ids.HeaderFrom)
		rec.EnvelopeFrom = optional(ids.EnvelopeFrom)
		rec.EnvelopeTo = optional(ids.EnvelopeTo)
	}

	var auth xmlAuthResults
	if xr.AuthResults != nil {
		auth = *xr.AuthResults
	}
	// With several signatures the first one is authoritative for the
	// scalar columns.
	rec.DKIMResult = verdictNone
	if d, ok := first(auth.DKIM); ok {
		rec.DKIMResult = verdictOrNone(d.Result)
		rec.DKIMDomain, _ = text(d.Domain)
		rec.DKIMSelector, _ = text(d.Selector)
	}
	rec.SPFResult = verdictNone
	if s, ok := first(auth.SPF); ok {
		rec.SPFResult = verdictOrNone(s.Result)
		rec.SPFDomain, _ = text(s.Domain)
		rec.SPFScope, _ = text(s.Scope)
	}

	return rec, nil
}

const verdictNone = "none"

func first[T any](list []T) (T, bool) {
	var zero T
	if len(list) == 0 {
		return zero, false
	}
	return list[0], true
}

// text returns the trimmed value and whether it is non-empty.
func text(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	return v, v != ""
}

func required(field string, s *string) (string, error) {
	v, ok := text(s)
	if !ok {
		return "", invalid(field, ReasonMissing)
	}
	return v, nil
}

func optional(s *string) *string {
	v, ok := text(s)
	if !ok {
		return nil
	}
	return &v
}

func epoch(field string, s *string) (time.Time, error) {
	v, err := required(field, s)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Reason: ReasonTimestamp, Err: err}
	}
	return time.Unix(secs, 0).UTC(), nil
}

func verdictOrNone(s *string) string {
	v, ok := text(s)
	if !ok {
		return verdictNone
	}
	return strings.ToLower(v)
}

func policyValue(field, raw string) (string, error) {
	v := strings.ToLower(raw)
	switch v {
	case models.DispositionNone, models.DispositionQuarantine, models.DispositionReject:
		return v, nil
	}
	return "", &ValidationError{Field: field, Reason: ReasonInvalidValue, Err: fmt.Errorf("%q", raw)}
}

// alignmentOrDefault resolves adkim/aspf; absent means relaxed.
func alignmentOrDefault(field string, s *string) (string, error) {
	v, ok := text(s)
	if !ok {
		return models.AlignmentRelaxed, nil
	}
	switch strings.ToLower(v) {
	case "r", "relaxed":
		return models.AlignmentRelaxed, nil
	case "s", "strict":
		return models.AlignmentStrict, nil
	}
	return "", &ValidationError{Field: field, Reason: ReasonInvalidValue, Err: fmt.Errorf("%q", v)}
}

// subdomainPolicy resolves sp, which inherits p when absent.
func subdomainPolicy(s *string, p string) (string, error) {
	v, ok := text(s)
	if !ok {
		return p, nil
	}
	return policyValue("policy_published.sp", v)
}

// percentOrDefault resolves pct: absent or unparsable means 100, and
// out-of-range values are clamped rather than rejected.
func percentOrDefault(s *string) int {
	v, ok := text(s)
	if !ok {
		return 100
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 100
	}
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return n
}
