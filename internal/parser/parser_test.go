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

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const googleReport = `<?xml version="1.0" encoding="UTF-8" ?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <email>noreply-dmarc-support@google.com</email>
    <extra_contact_info>https://support.google.com/a/answer/2466580</extra_contact_info>
    <report_id>999000111</report_id>
    <date_range>
      <begin>1706572800</begin>
      <end>1706659199</end>
    </date_range>
  </report_metadata>
  <policy_published>
    <domain>example.com</domain>
    <adkim>r</adkim>
    <aspf>r</aspf>
    <p>none</p>
    <sp>none</sp>
    <pct>100</pct>
  </policy_published>
  <record>
    <row>
      <source_ip>209.85.220.41</source_ip>
      <count>5</count>
      <policy_evaluated>
        <disposition>none</disposition>
        <dkim>pass</dkim>
        <spf>pass</spf>
      </policy_evaluated>
    </row>
    <identifiers>
      <header_from>example.com</header_from>
    </identifiers>
    <auth_results>
      <dkim>
        <domain>example.com</domain>
        <selector>google</selector>
        <result>pass</result>
      </dkim>
      <spf>
        <domain>example.com</domain>
        <scope>mfrom</scope>
        <result>pass</result>
      </spf>
    </auth_results>
  </record>
</feedback>`

// reportWith replaces one fragment of googleReport, failing if it is absent.
func reportWith(t *testing.T, old, new string) []byte {
	t.Helper()
	if !strings.Contains(googleReport, old) {
		t.Fatalf("fixture does not contain %q", old)
	}
	return []byte(strings.Replace(googleReport, old, new, 1))
}

func wantValidation(t *testing.T, err error, field, reason string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != field {
		t.Errorf("field = %q, want %q", verr.Field, field)
	}
	if reason != "" && verr.Reason != reason {
		t.Errorf("reason = %q, want %q", verr.Reason, reason)
	}
}

// TestParse_GoogleReport verifies the happy path end to end.
func TestParse_GoogleReport(t *testing.T) {
	r, err := New(false).Parse([]byte(googleReport))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.OrgName != "google.com" || r.ReportID != "999000111" || r.Domain != "example.com" {
		t.Errorf("metadata = %q/%q/%q", r.OrgName, r.ReportID, r.Domain)
	}
	if r.ExtraContactInfo == nil || !strings.HasPrefix(*r.ExtraContactInfo, "https://") {
		t.Errorf("extra_contact_info = %v", r.ExtraContactInfo)
	}
	if want := time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC); !r.DateBegin.Equal(want) {
		t.Errorf("date_begin = %v, want %v", r.DateBegin, want)
	}
	if r.DateEnd.Unix() != 1706659199 || r.DateEnd.Location() != time.UTC {
		t.Errorf("date_end = %v", r.DateEnd)
	}
	if r.Pct != 100 || r.P != "none" || r.SP != "none" || r.ADKIM != "r" || r.ASPF != "r" {
		t.Errorf("policy = %+v", r)
	}

	if len(r.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(r.Records))
	}
	rec := r.Records[0]
	if rec.SourceIP != "209.85.220.41" || rec.Count != 5 || rec.Disposition != "none" {
		t.Errorf("row = %+v", rec)
	}
	if rec.DKIMResult != "pass" || rec.DKIMDomain != "example.com" || rec.DKIMSelector != "google" {
		t.Errorf("dkim = %q/%q/%q", rec.DKIMResult, rec.DKIMDomain, rec.DKIMSelector)
	}
	if rec.SPFResult != "pass" || rec.SPFScope != "mfrom" {
		t.Errorf("spf = %q/%q", rec.SPFResult, rec.SPFScope)
	}
	if rec.EnvelopeFrom != nil || rec.EnvelopeTo != nil {
		t.Errorf("envelope fields should default to nil")
	}
	if r.MessageCount() != 5 {
		t.Errorf("MessageCount = %d, want 5", r.MessageCount())
	}
}

// TestParse_SingletonAndMultipleRecords verifies record cardinality is preserved.
func TestParse_SingletonAndMultipleRecords(t *testing.T) {
	one, err := New(false).Parse([]byte(googleReport))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(one.Records) != 1 {
		t.Fatalf("singleton: expected 1 record, got %d", len(one.Records))
	}

	start := strings.Index(googleReport, "<record>")
	end := strings.Index(googleReport, "</record>") + len("</record>")
	block := googleReport[start:end]
	second := strings.Replace(block, "209.85.220.41", "2001:db8::1", 1)
	three := googleReport[:end] + second + second + googleReport[end:]

	r, err := New(false).Parse([]byte(three))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(r.Records))
	}
	if r.Records[2].SourceIP != "2001:db8::1" {
		t.Errorf("third source_ip = %q", r.Records[2].SourceIP)
	}
}

// TestParse_MultipleSignaturesUseFirst verifies the first auth result wins.
func TestParse_MultipleSignaturesUseFirst(t *testing.T) {
	data := reportWith(t, `<spf>
        <domain>example.com</domain>`, `<dkim>
        <domain>other.example</domain>
        <selector>s2</selector>
        <result>fail</result>
      </dkim>
      <spf>
        <domain>example.com</domain>`)
	data = []byte(strings.Replace(string(data), `<auth_results>`, `<auth_results>
      <dkim>
        <domain>first.example</domain>
        <selector>s1</selector>
        <result>Neutral</result>
      </dkim>`, 1))

	r, err := New(false).Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := r.Records[0]
	if rec.DKIMDomain != "first.example" || rec.DKIMSelector != "s1" || rec.DKIMResult != "neutral" {
		t.Errorf("dkim = %q/%q/%q, want first signature", rec.DKIMDomain, rec.DKIMSelector, rec.DKIMResult)
	}
}

// TestParse_AuthResultsAbsent verifies missing verdicts default to none.
func TestParse_AuthResultsAbsent(t *testing.T) {
	start := strings.Index(googleReport, "<auth_results>")
	end := strings.Index(googleReport, "</auth_results>") + len("</auth_results>")
	data := googleReport[:start] + googleReport[end:]
	data = strings.Replace(data, "<dkim>pass</dkim>\n        <spf>pass</spf>", "", 1)

	r, err := New(false).Parse([]byte(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := r.Records[0]
	if rec.DKIMResult != "none" || rec.SPFResult != "none" {
		t.Errorf("auth results = %q/%q, want none/none", rec.DKIMResult, rec.SPFResult)
	}
	if rec.PolicyDKIM != "none" || rec.PolicySPF != "none" {
		t.Errorf("policy verdicts = %q/%q, want none/none", rec.PolicyDKIM, rec.PolicySPF)
	}
}

// TestParse_MissingMandatoryFields verifies each mandatory field is named.
func TestParse_MissingMandatoryFields(t *testing.T) {
	tests := []struct {
		old   string
		field string
	}{
		{"<org_name>google.com</org_name>", "report_metadata.org_name"},
		{"<email>noreply-dmarc-support@google.com</email>", "report_metadata.email"},
		{"<report_id>999000111</report_id>", "report_metadata.report_id"},
		{"<begin>1706572800</begin>", "report_metadata.date_range.begin"},
		{"<end>1706659199</end>", "report_metadata.date_range.end"},
		{"<domain>example.com</domain>\n    <adkim>", "policy_published.domain"},
		{"<p>none</p>", "policy_published.p"},
		{"<source_ip>209.85.220.41</source_ip>", "record[0].row.source_ip"},
		{"<count>5</count>", "record[0].row.count"},
		{"<disposition>none</disposition>", "record[0].row.policy_evaluated.disposition"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			replacement := ""
			if strings.HasSuffix(tt.old, "<adkim>") {
				replacement = "<adkim>"
			}
			_, err := New(false).Parse(reportWith(t, tt.old, replacement))
			wantValidation(t, err, tt.field, ReasonMissing)
		})
	}
}

// TestParse_BlankValueIsMissing verifies whitespace-only values count as absent.
func TestParse_BlankValueIsMissing(t *testing.T) {
	_, err := New(false).Parse(reportWith(t, "<org_name>google.com</org_name>", "<org_name>  </org_name>"))
	wantValidation(t, err, "report_metadata.org_name", ReasonMissing)
}

// TestParse_DateRange verifies reversed ranges fail and degenerate ones pass.
func TestParse_DateRange(t *testing.T) {
	_, err := New(false).Parse(reportWith(t, "<begin>1706572800</begin>", "<begin>1706700000</begin>"))
	wantValidation(t, err, "report_metadata.date_range", ReasonDateRange)

	r, err := New(false).Parse(reportWith(t, "<begin>1706572800</begin>", "<begin>1706659199</begin>"))
	if err != nil {
		t.Fatalf("degenerate range should parse: %v", err)
	}
	if !r.DateBegin.Equal(r.DateEnd) {
		t.Errorf("expected begin == end")
	}

	_, err = New(false).Parse(reportWith(t, "<end>1706659199</end>", "<end>yesterday</end>"))
	wantValidation(t, err, "report_metadata.date_range.end", ReasonTimestamp)
}

// TestParse_Count verifies zero, negative and non-numeric counts are rejected.
func TestParse_Count(t *testing.T) {
	for _, v := range []string{"0", "-3", "many", "1.5"} {
		t.Run(v, func(t *testing.T) {
			_, err := New(false).Parse(reportWith(t, "<count>5</count>", "<count>"+v+"</count>"))
			wantValidation(t, err, "record[0].row.count", ReasonNotPositive)
		})
	}
}

// TestParse_InvalidValues verifies enumerated fields are checked.
func TestParse_InvalidValues(t *testing.T) {
	tests := []struct {
		old, new, field string
	}{
		{"<source_ip>209.85.220.41</source_ip>", "<source_ip>not-an-ip</source_ip>", "record[0].row.source_ip"},
		{"<disposition>none</disposition>", "<disposition>bounce</disposition>", "record[0].row.policy_evaluated.disposition"},
		{"<p>none</p>", "<p>monitor</p>", "policy_published.p"},
		{"<sp>none</sp>", "<sp>maybe</sp>", "policy_published.sp"},
		{"<adkim>r</adkim>", "<adkim>x</adkim>", "policy_published.adkim"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			_, err := New(false).Parse(reportWith(t, tt.old, tt.new))
			wantValidation(t, err, tt.field, ReasonInvalidValue)
		})
	}
}

// TestParse_Malformed verifies non-well-formed input is rejected as malformed xml.
func TestParse_Malformed(t *testing.T) {
	inputs := map[string]string{
		"truncated":  googleReport[:200],
		"wrong root": `<report><x/></report>`,
		"not xml":    "hello world",
		"empty":      "",
		"trailing":   googleReport + "<unclosed>",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := New(false).Parse([]byte(in))
			wantValidation(t, err, "feedback", ReasonMalformed)
		})
	}
}

// TestParse_Namespaced verifies RFC 7489bis namespaced documents parse.
func TestParse_Namespaced(t *testing.T) {
	data := reportWith(t, "<feedback>", `<feedback xmlns="urn:ietf:params:xml:ns:dmarc-2.0">`)
	if _, err := New(false).Parse(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestParse_Latin1 verifies declared legacy charsets are decoded.
func TestParse_Latin1(t *testing.T) {
	doc := strings.Replace(googleReport, `encoding="UTF-8"`, `encoding="ISO-8859-1"`, 1)
	doc = strings.Replace(doc, "<org_name>google.com</org_name>", "<org_name>Bj\xf6rk Mail</org_name>", 1)

	r, err := New(false).Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.OrgName != "Björk Mail" {
		t.Errorf("org_name = %q", r.OrgName)
	}
}

// TestParse_EmptyReportPolicy verifies both settings of RejectEmpty.
func TestParse_EmptyReportPolicy(t *testing.T) {
	start := strings.Index(googleReport, "<record>")
	end := strings.Index(googleReport, "</record>") + len("</record>")
	empty := []byte(googleReport[:start] + googleReport[end:])

	r, err := New(false).Parse(empty)
	if err != nil {
		t.Fatalf("lenient parser should accept empty report: %v", err)
	}
	if len(r.Records) != 0 || r.Records == nil {
		t.Errorf("expected empty non-nil records, got %v", r.Records)
	}

	_, err = New(true).Parse(empty)
	wantValidation(t, err, "record", ReasonNoRecords)
}

// TestAlignmentOrDefault verifies adkim/aspf resolution.
func TestAlignmentOrDefault(t *testing.T) {
	tests := []struct {
		in   *string
		want string
	}{
		{nil, "r"},
		{ptr(""), "r"},
		{ptr("s"), "s"},
		{ptr(" S "), "s"},
		{ptr("strict"), "s"},
		{ptr("relaxed"), "r"},
	}
	for _, tt := range tests {
		got, err := alignmentOrDefault("f", tt.in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("alignmentOrDefault(%v) = %q, want %q", deref(tt.in), got, tt.want)
		}
	}
}

// TestSubdomainPolicy verifies sp inherits p when absent.
func TestSubdomainPolicy(t *testing.T) {
	if got, _ := subdomainPolicy(nil, "reject"); got != "reject" {
		t.Errorf("absent sp = %q, want reject", got)
	}
	if got, _ := subdomainPolicy(ptr(""), "quarantine"); got != "quarantine" {
		t.Errorf("blank sp = %q, want quarantine", got)
	}
	if got, _ := subdomainPolicy(ptr("None"), "reject"); got != "none" {
		t.Errorf("explicit sp = %q, want none", got)
	}
}

// TestPercentOrDefault verifies pct defaults and clamping.
func TestPercentOrDefault(t *testing.T) {
	tests := []struct {
		in   *string
		want int
	}{
		{nil, 100},
		{ptr(""), 100},
		{ptr("abc"), 100},
		{ptr("50"), 50},
		{ptr("0"), 0},
		{ptr("-5"), 0},
		{ptr("250"), 100},
	}
	for _, tt := range tests {
		if got := percentOrDefault(tt.in); got != tt.want {
			t.Errorf("percentOrDefault(%q) = %d, want %d", deref(tt.in), got, tt.want)
		}
	}
}

func ptr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
