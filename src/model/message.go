// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

const (
	PartKindText = "text"
	PartKindFile = "file"
)

// Part is one typed piece of a message. Only text parts are read by the
// agent; file parts carry rendered documents back out.
type Part struct {
	Kind     string          `json:"kind"`
	Text     string          `json:"text,omitempty"`
	File     *FileRef        `json:"file,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type FileRef struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	URI      string `json:"uri"`
}

func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

func FilePart(ref FileRef) Part {
	return Part{Kind: PartKindFile, File: &ref}
}

// Message is one turn entry, user or agent.
type Message struct {
	Kind      string `json:"kind"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}

// NewAgentMessage builds an agent message from parts.
func NewAgentMessage(id string, parts ...Part) Message {
	return Message{Kind: "message", Role: RoleAgent, Parts: parts, MessageID: id}
}

// Text returns the first non-empty text part, or "".
func (m Message) Text() string {
	for _, p := range m.Parts {
		if p.Kind == PartKindText && strings.TrimSpace(p.Text) != "" {
			return p.Text
		}
	}
	return ""
}

func (m Message) Clone() Message {
	c := m
	c.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.File != nil {
			f := *p.File
			p.File = &f
		}
		if p.Metadata != nil {
			p.Metadata = append(json.RawMessage(nil), p.Metadata...)
		}
		c.Parts[i] = p
	}
	return c
}

// WebhookConfig is the caller's push notification target.
type WebhookConfig struct {
	URL            string       `json:"url"`
	Token          string       `json:"token,omitempty"`
	Authentication *WebhookAuth `json:"authentication,omitempty"`
}

type WebhookAuth struct {
	Schemes     []string `json:"schemes,omitempty"`
	Credentials string   `json:"credentials,omitempty"`
}

// Credentials returns the API key sent in the credential header.
func (w WebhookConfig) Credentials() string {
	if w.Authentication == nil {
		return ""
	}
	return w.Authentication.Credentials
}

func (w WebhookConfig) Clone() WebhookConfig {
	c := w
	if w.Authentication != nil {
		a := *w.Authentication
		a.Schemes = append([]string(nil), w.Authentication.Schemes...)
		c.Authentication = &a
	}
	return c
}
