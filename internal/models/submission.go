package models

import (
	"fmt"
	"strings"
	"time"
)

// ContentType is the kind of media a submission carries
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
)

// ParseContentType validates a content type received from a caller
func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ContentText, ContentImage, ContentAudio:
		return ct, nil
	default:
		return "", fmt.Errorf("unsupported content type %q", s)
	}
}

// Status is the pairing state of a submission
type Status string

const (
	StatusUnmatched Status = "unmatched"
	StatusMatched   Status = "matched"
)

// Submission is an anonymous piece of content waiting for, or paired with, a counterpart
type Submission struct {
	ID              string      `json:"id" db:"id"`
	ContentType     ContentType `json:"content_type" db:"content_type"`
	Content         string      `json:"content" db:"content"`                   // raw text or a URI to stored media
	EmotionalVector []string    `json:"emotional_vector" db:"emotional_vector"` // set once, before matching
	SessionToken    string      `json:"-" db:"session_token"`
	Status          Status      `json:"status" db:"status"`
	MatchedWith     string      `json:"matched_with,omitempty" db:"matched_with"` // never cleared once set
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// IsMatched reports whether the submission has been paired
func (s *Submission) IsMatched() bool {
	return s.Status == StatusMatched && s.MatchedWith != ""
}

// Counterpart is what a submitter gets to see of the submission it was paired with
type Counterpart struct {
	ContentType ContentType `json:"content_type"`
	Content     string      `json:"content"`
}

// CounterpartOf exposes only the shareable part of a submission
func CounterpartOf(s *Submission) *Counterpart {
	return &Counterpart{ContentType: s.ContentType, Content: s.Content}
}

// ResultStatus is the externally visible outcome of a submit or status check
type ResultStatus string

const (
	ResultMatched ResultStatus = "matched"
	ResultWaiting ResultStatus = "waiting"
)

// SubmitResult is returned by the pairing engine after a submission
type SubmitResult struct {
	Status       ResultStatus `json:"status"`
	SubmissionID string       `json:"submission_id,omitempty"`
	Counterpart  *Counterpart `json:"counterpart,omitempty"`
}

// StatusResult is returned by a status check
type StatusResult struct {
	Status      ResultStatus `json:"status"`
	Counterpart *Counterpart `json:"counterpart,omitempty"`
}
