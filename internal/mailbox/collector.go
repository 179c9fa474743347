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

// Package mailbox collects DMARC aggregate reports delivered as email
// attachments to a Microsoft 365 mailbox, via the Graph API.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/bcem/ruaingest/internal/models"
)

// GraphBaseURL is the Microsoft Graph v1.0 endpoint.
const GraphBaseURL = "https://graph.microsoft.com/v1.0"

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// messagesResponse represents a page of the /messages list response.
type messagesResponse struct {
	Value    []messageStub `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// messageStub is a minimal message from the list endpoint.
type messageStub struct {
	ID                string    `json:"id"`
	InternetMessageID string    `json:"internetMessageId"`
	Subject           string    `json:"subject"`
	ReceivedDateTime  time.Time `json:"receivedDateTime"`
}

type attachmentsResponse struct {
	Value []attachment `json:"value"`
}

type attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes []byte `json:"contentBytes"` // base64 on the wire
}

// Collector lists recent report mails in one mailbox and returns their
// attachments as raw submissions.
type Collector struct {
	httpClient   *http.Client
	graphBaseURL string
	user         string
	alias        string
	maxSize      int64
	pageDelay    time.Duration
}

// CollectorConfig holds dependencies for a collector.
type CollectorConfig struct {
	HTTPClient        *http.Client
	GraphBaseURL      string
	User              string
	Alias             string
	MaxAttachmentSize int64
	PageDelay         time.Duration
}

// NewCollector creates a Graph mailbox collector.
func NewCollector(cfg CollectorConfig) *Collector {
	base := cfg.GraphBaseURL
	if base == "" {
		base = GraphBaseURL
	}
	alias := cfg.Alias
	if alias == "" {
		alias = cfg.User
	}
	maxSize := cfg.MaxAttachmentSize
	if maxSize <= 0 {
		maxSize = 25 << 20
	}
	return &Collector{
		httpClient:   cfg.HTTPClient,
		graphBaseURL: strings.TrimRight(base, "/"),
		user:         cfg.User,
		alias:        alias,
		maxSize:      maxSize,
		pageDelay:    cfg.PageDelay,
	}
}

// Name identifies the collector in logs and metrics.
func (c *Collector) Name() string { return "mailbox:" + c.alias }

// Collect returns the report attachments of every message received since
// the given instant. A message whose attachments cannot be fetched is
// skipped; a failure to list messages fails the whole run.
func (c *Collector) Collect(ctx context.Context, since time.Time) ([]models.RawSubmission, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s and hasAttachments eq true",
		since.UTC().Format(time.RFC3339)))
	params.Set("$select", "id,internetMessageId,subject,receivedDateTime")
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", "50")

	listURL := fmt.Sprintf("%s/users/%s/messages?%s", c.graphBaseURL, url.PathEscape(c.user), params.Encode())

	var subs []models.RawSubmission
	pageCount := 0
	for nextURL := listURL; nextURL != ""; {
		if pageCount > 0 && c.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return subs, ctx.Err()
			case <-time.After(c.pageDelay):
			}
		}

		var page messagesResponse
		if err := c.getJSON(ctx, nextURL, &page); err != nil {
			return subs, fmt.Errorf("list messages page %d: %w", pageCount, err)
		}
		pageCount++

		for _, msg := range page.Value {
			found, err := c.attachments(ctx, msg)
			if err != nil {
				slog.Warn("skipping message, attachments unavailable",
					"mailbox", c.alias,
					"message_id", msg.ID,
					"error", err,
				)
				continue
			}
			subs = append(subs, found...)
		}
		nextURL = page.NextLink
	}

	slog.Debug("mailbox collected",
		"mailbox", c.alias,
		"since", since.UTC().Format(time.RFC3339),
		"pages", pageCount,
		"attachments", len(subs),
	)
	return subs, nil
}

func (c *Collector) attachments(ctx context.Context, msg messageStub) ([]models.RawSubmission, error) {
	attURL := fmt.Sprintf("%s/users/%s/messages/%s/attachments", c.graphBaseURL, url.PathEscape(c.user), url.PathEscape(msg.ID))

	var resp attachmentsResponse
	if err := c.getJSON(ctx, attURL, &resp); err != nil {
		return nil, err
	}

	var subs []models.RawSubmission
	for _, att := range resp.Value {
		if att.ODataType != "" && att.ODataType != fileAttachmentType {
			continue
		}
		if !looksLikeReport(att.Name, att.ContentType) {
			continue
		}
		if att.Size > c.maxSize || int64(len(att.ContentBytes)) > c.maxSize {
			slog.Warn("attachment over size cap, skipped",
				"mailbox", c.alias,
				"message_id", msg.ID,
				"attachment", att.Name,
				"size", att.Size,
			)
			continue
		}
		if len(att.ContentBytes) == 0 {
			continue
		}

		received := msg.ReceivedDateTime
		if received.IsZero() {
			received = time.Now().UTC()
		}
		subs = append(subs, models.RawSubmission{
			Data:       att.ContentBytes,
			Filename:   att.Name,
			Source:     models.SourceEmail,
			ReceivedAt: received.UTC(),
			MessageID:  firstNonEmpty(msg.InternetMessageID, msg.ID),
		})
	}
	return subs, nil
}

func (c *Collector) getJSON(ctx context.Context, u string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "odata.maxpagesize=50")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var reportContentTypes = map[string]bool{
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/xml":              true,
	"text/xml":                     true,
}

// looksLikeReport accepts anything named or typed like XML, gzip or zip.
// The decoder sniffs the actual format.
func looksLikeReport(name, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if reportContentTypes[ct] {
		return true
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".xml", ".gz", ".gzip", ".zip":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
