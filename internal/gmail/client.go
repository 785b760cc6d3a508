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

// Package gmail provides a message scanner and attachment fetcher for the
// Gmail REST API. Calls are made against the raw endpoints with a
// bearer token supplied per call — token lifecycle belongs to the oauth
// package, not here.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/subtrack/ingestion/internal/models"
)

// DefaultBaseURL is the production Gmail API endpoint.
const DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// allowedExtensions is the attachment allow-list. Everything else is
// ignored without being counted as a failure.
var allowedExtensions = []string{".pdf", ".jpg", ".jpeg", ".png"}

// Client talks to the Gmail API for a single mailbox ("me").
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Gmail API client.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// listResponse represents a page of the messages.list response.
type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

// Search lists message IDs matching the query, following pagination up
// to pageCap results. The cap bounds both cost and latency of a single
// scan — there is no unbounded pagination.
func (c *Client) Search(ctx context.Context, accessToken, query string, pageCap int) ([]string, error) {
	if pageCap <= 0 {
		pageCap = 100
	}

	var ids []string
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", query)
		params.Set("maxResults", fmt.Sprintf("%d", pageCap-len(ids)))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page listResponse
		if err := c.getJSON(ctx, accessToken,
			fmt.Sprintf("%s/users/me/messages?%s", c.baseURL, params.Encode()), &page); err != nil {
			return nil, fmt.Errorf("search messages: %w", err)
		}

		for _, m := range page.Messages {
			ids = append(ids, m.ID)
			if len(ids) >= pageCap {
				return ids, nil
			}
		}

		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

// gmailMessage represents the relevant fields from a messages.get response.
type gmailMessage struct {
	ID      string `json:"id"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Parts []gmailPart `json:"parts"`
	} `json:"payload"`
}

type gmailPart struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Body     struct {
		AttachmentID string `json:"attachmentId"`
		Size         int    `json:"size"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

// GetMessage retrieves one message's headers and its allow-listed
// attachment parts. Returns (nil, nil) when the message no longer exists.
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*models.MessageRef, error) {
	var msg gmailMessage
	err := c.getJSON(ctx, accessToken,
		fmt.Sprintf("%s/users/me/messages/%s", c.baseURL, url.PathEscape(messageID)), &msg)
	if err != nil {
		if isNotFound(err) {
			slog.Warn("message not found (may have been deleted)", "message_id", messageID)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	ref := &models.MessageRef{ID: msg.ID}
	for _, h := range msg.Payload.Headers {
		switch {
		case strings.EqualFold(h.Name, "Subject"):
			ref.Subject = h.Value
		case strings.EqualFold(h.Name, "From"):
			ref.From = h.Value
		case strings.EqualFold(h.Name, "Date"):
			if t, perr := mail.ParseDate(h.Value); perr == nil {
				utc := t.UTC()
				ref.ReceivedAt = &utc
			}
		}
	}

	collectAttachments(msg.Payload.Parts, ref)
	return ref, nil
}

// collectAttachments walks the (possibly nested) MIME part tree and
// keeps parts whose filename passes the extension allow-list.
func collectAttachments(parts []gmailPart, ref *models.MessageRef) {
	for _, p := range parts {
		if p.Filename != "" && p.Body.AttachmentID != "" && AllowedFilename(p.Filename) {
			ref.Attachments = append(ref.Attachments, models.AttachmentRef{
				AttachmentID: p.Body.AttachmentID,
				Filename:     p.Filename,
				MimeType:     p.MimeType,
				Size:         p.Body.Size,
			})
		}
		if len(p.Parts) > 0 {
			collectAttachments(p.Parts, ref)
		}
	}
}

// AllowedFilename reports whether a filename passes the attachment
// extension allow-list.
func AllowedFilename(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// attachmentResponse represents the attachments.get response.
type attachmentResponse struct {
	Size int    `json:"size"`
	Data string `json:"data"` // base64url-encoded
}

// GetAttachment fetches and decodes the raw bytes of one attachment.
func (c *Client) GetAttachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error) {
	var att attachmentResponse
	err := c.getJSON(ctx, accessToken,
		fmt.Sprintf("%s/users/me/messages/%s/attachments/%s",
			c.baseURL, url.PathEscape(messageID), url.PathEscape(attachmentID)), &att)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", attachmentID, err)
	}

	data, err := decodeBase64URL(att.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// decodeBase64URL decodes Gmail's base64url transport encoding, with or
// without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// httpError carries the status of a non-2xx API response.
type httpError struct {
	status int
	url    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("gmail API returned HTTP %d for %s", e.status, e.url)
}

func isNotFound(err error) bool {
	he, ok := err.(*httpError)
	return ok && he.status == http.StatusNotFound
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, accessToken, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpError{status: resp.StatusCode, url: req.URL.Path}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
