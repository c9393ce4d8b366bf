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

// Intent is the coarse label a classifier assigns to a user message.
type Intent string

const (
	IntentChat    Intent = "chat"
	IntentConvert Intent = "pdf_conversion"
)

// ConversationSeed is the context handed to the conversational responder
// alongside the current message.
type ConversationSeed struct {
	// History holds prior turns, oldest first, excluding the current message.
	History []Message
	// AwaitingContent is set when the previous reply asked the user for the
	// content to convert.
	AwaitingContent bool
}
