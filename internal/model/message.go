package model

import "time"

// InboundMessage is a raw message observed in a monitored group.
type InboundMessage struct {
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// AnalysisResult is the classifier's verdict on an inbound message.
type AnalysisResult struct {
	IsHelpRequest     bool     `json:"is_help_request"`
	Services          []string `json:"services"`
	Confidence        float64  `json:"confidence"`
	KeywordsFound     []string `json:"keywords_found,omitempty"`
	ContextIndicators []string `json:"context_indicators,omitempty"`
	UrgencyLevel      int      `json:"urgency_level"`
	MessageQuality    float64  `json:"message_quality"`
	Language          string   `json:"language"`
	ProcessedText     string   `json:"processed_text,omitempty"`
}

// WorkItem is one unit of relay work: a classified message to forward
// through a pooled account.
type WorkItem struct {
	ID        string         `json:"id"`
	Message   InboundMessage `json:"message"`
	Analysis  AnalysisResult `json:"analysis"`
	Target    string         `json:"target"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProcessedMessage is the persisted record of a classified message and
// whether it was forwarded.
type ProcessedMessage struct {
	ID          string    `json:"id"`
	ChatID      int64     `json:"chat_id"`
	MessageID   int64     `json:"message_id"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Text        string    `json:"text"`
	Services    []string  `json:"services,omitempty"`
	Confidence  float64   `json:"confidence"`
	IsForwarded bool      `json:"is_forwarded"`
	AccountID   string    `json:"account_id,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
