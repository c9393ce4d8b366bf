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

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"docagent/src/logging"
	"docagent/src/processor"
)

// Prompts is every piece of agent-authored text. Fields marked "%s" take
// exactly one argument.
type Prompts struct {
	Persona  string `yaml:"persona"`
	Greeting string `yaml:"greeting"`
	// Classifier is the intent prompt. %s receives the user message.
	Classifier string `yaml:"classifier"`
	// AwaitingContentNote is added to the responder context while the agent
	// is waiting for content to convert.
	AwaitingContentNote string `yaml:"awaiting_content_note"`

	Marker                  string `yaml:"marker"`
	ConversionAck           string `yaml:"conversion_ack"`
	ContentRequest          string `yaml:"content_request"`
	LargeContentInstruction string `yaml:"large_content_instruction"` // %s
	DocumentReady           string `yaml:"document_ready"`
	DocumentFailed          string `yaml:"document_failed"` // %s
	InternalError           string `yaml:"internal_error"`  // %s
}

const defaultMarker = "[INPUT_REQUIRED_PDF_CONTENT]"

func DefaultPrompts() Prompts {
	return Prompts{
		Persona: "You are Dora, a friendly and enthusiastic AI assistant specializing in document automation. " +
			"Your primary goal is to help users transform their text or content into professional PDF documents. " +
			"You also handle general chat queries. Always explain what you do to the user, reminding them about your PDF conversion capability. " +
			"When asked to convert text to PDF, acknowledge the request warmly and confirm that you'll process it. " +
			"If you need more content for PDF, politely ask for it using the tag `" + defaultMarker + "` at the beginning of your message.",
		Greeting: "Hello! I'm Dora, your Document & Chat Automation Agent. I can turn your text into polished PDF documents " +
			"and help with any general questions. How can I help today?",
		Classifier: `Analyze the following user input and determine the primary intent:
1. chat: the user is having a general conversation, asking questions, or making a statement not directly providing content for conversion.
2. pdf_conversion: the user is explicitly providing content to be converted to PDF, or gives a clear command to convert given content.

If the user is only asking if you can convert, or states a need to convert without providing the content, answer chat.

Examples for chat:
- "Hello there!"
- "What is your name?"
- "Can you make a PDF for me?"
- "I want to convert something later."

Examples for pdf_conversion:
- "Convert this text to PDF: This is my document."
- "Make a PDF of these notes."
- "Please turn this into a PDF document about blockchain: Blockchain is a distributed ledger."

User input: "%s"
Intent:`,
		AwaitingContentNote: "You previously asked the user for the content to convert and have not received it yet.",

		Marker:        defaultMarker,
		ConversionAck: "Got it! I'm converting your content into a PDF now. I'll send the document as soon as it's ready.",
		ContentRequest: "Happy to help! Please paste the text you'd like me to turn into a PDF.",
		LargeContentInstruction: "The user has sent a large amount of content. Acknowledge this, offer to chat about it, " +
			"and also tell them you're automatically converting it to PDF.\n\nUser's content (for context, do not repeat fully): \"%s\"",
		DocumentReady:  "Your PDF has been successfully generated! Here is your document.",
		DocumentFailed: "Sorry, I encountered an error while generating your PDF: %s",
		InternalError:  "Sorry, I encountered an internal error: %s",
	}
}

// Validate checks that every template takes exactly one argument and that
// no required text is empty.
func (p Prompts) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"persona":         p.Persona,
		"marker":          p.Marker,
		"conversion_ack":  p.ConversionAck,
		"content_request": p.ContentRequest,
		"document_ready":  p.DocumentReady,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	for name, v := range map[string]string{
		"classifier":                p.Classifier,
		"large_content_instruction": p.LargeContentInstruction,
		"document_failed":           p.DocumentFailed,
		"internal_error":            p.InternalError,
	} {
		if strings.Count(v, "%s") != 1 || strings.Count(v, "%") != 1 {
			errs = append(errs, fmt.Errorf("%s must contain exactly one %%s", name))
		}
	}
	return errors.Join(errs...)
}

// LoadPrompts reads a YAML prompt file on top of DefaultPrompts. Keys the
// file leaves out keep their default.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid prompts %s: %w", path, err)
	}
	return p, nil
}

// PromptSet holds the prompts in effect. It is safe for concurrent use and
// can be reloaded while turns are running.
type PromptSet struct {
	path    string
	current atomic.Pointer[Prompts]
}

// NewPromptSet loads path, or uses the defaults when path is empty.
func NewPromptSet(path string) (*PromptSet, error) {
	s := &PromptSet{path: path}
	if path == "" {
		p := DefaultPrompts()
		s.current.Store(&p)
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PromptSet) Current() Prompts { return *s.current.Load() }

// Reload re-reads the prompt file. On error the previous prompts stay.
func (s *PromptSet) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := LoadPrompts(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// Phrases exposes the prompts the orchestrator needs.
func (s *PromptSet) Phrases() processor.Phrases {
	p := s.Current()
	return processor.Phrases{
		Marker:                  p.Marker,
		ConversionAck:           p.ConversionAck,
		ContentRequest:          p.ContentRequest,
		LargeContentInstruction: p.LargeContentInstruction,
		DocumentReady:           p.DocumentReady,
		DocumentFailed:          p.DocumentFailed,
		InternalError:           p.InternalError,
	}
}

// Watch reloads the prompt file whenever it changes, until ctx ends. The
// directory is watched rather than the file so editors that replace the
// file on save are seen too.
func (s *PromptSet) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				logging.Log("Keeping previous prompts: "+err.Error(), slog.LevelWarn)
				continue
			}
			logging.Log("Reloaded prompts from "+target, slog.LevelInfo)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Log("Prompt watcher error: "+err.Error(), slog.LevelError)
		}
	}
}
