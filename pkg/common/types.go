// Package common provides the response envelope and request helpers shared
// by the HTTP handlers.
package common

import (
	"github.com/labring/streamscope/pkg/protocol"
)

// NavigateRequest reports a navigation start in a tab.
type NavigateRequest struct {
	URL string `json:"url"`
}

// EventsRequest is a batch of relayed envelopes for one tab.
type EventsRequest struct {
	Events []protocol.Envelope `json:"events"`
}

// IngestResult counts what a batch ingest applied.
type IngestResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// TabStatus answers a library presence query.
type TabStatus struct {
	TabID    int  `json:"tabId"`
	Detected bool `json:"detected"`
}
