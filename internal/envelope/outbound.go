// ABOUTME: Outbound envelope published after a message has been answered and stored.
// ABOUTME: Also defines the completion result and token usage shapes it embeds.

package envelope

import "time"

// Usage holds provider-reported token counts.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is a provider's answer as carried in the outbound envelope.
type Completion struct {
	Response string   `json:"response"`
	Model    string   `json:"model"`
	Usage    Usage    `json:"usage"`
	Metadata Metadata `json:"metadata"`
}

// StoredIDs are the identifiers assigned to the inbound and response turns.
type StoredIDs struct {
	MessageID  string `json:"message_id"`
	ResponseID string `json:"response_id"`
}

// OutboundMetadata carries the stored identifiers and the original source.
type OutboundMetadata struct {
	StoredIDs StoredIDs `json:"firestore_ids"`
	Source    Source    `json:"source"`
}

// Outbound is the published result for one processed Inbound envelope.
type Outbound struct {
	MessageID        string           `json:"message_id"`
	UserID           string           `json:"user_id"`
	OriginalMessage  string           `json:"original_message"`
	AIResponse       Completion       `json:"ai_response"`
	ProcessingTimeMS int64            `json:"processing_time_ms"`
	Timestamp        time.Time        `json:"timestamp"`
	Metadata         OutboundMetadata `json:"metadata"`
}

// NewOutbound seals the result of processing in.
func NewOutbound(in *Inbound, ids StoredIDs, c Completion, processing time.Duration, completedAt time.Time) *Outbound {
	return &Outbound{
		MessageID:        ids.MessageID,
		UserID:           in.UserID,
		OriginalMessage:  in.Message,
		AIResponse:       c,
		ProcessingTimeMS: processing.Milliseconds(),
		Timestamp:        completedAt.UTC(),
		Metadata: OutboundMetadata{
			StoredIDs: ids,
			Source:    in.Source,
		},
	}
}
