// ABOUTME: Maps provider HTTP statuses and transport failures onto the failure taxonomy.
// ABOUTME: Shared by every provider adapter so classification stays consistent.

package completion

import (
	"fmt"
	"net/http"

	"github.com/2389/coven-relay/internal/failure"
)

// ClassifyStatus classifies an API error by HTTP status. Timeouts, conflicts,
// rate limits, server errors and credential problems are retryable; any
// other client error is a rejection of this particular request.
func ClassifyStatus(provider string, status int, err error) error {
	msg := fmt.Sprintf("%s returned status %d", provider, status)
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status >= 500:
		return failure.Transient(msg, err)
	case status >= 400:
		return failure.Rejected(msg, err)
	default:
		return failure.Transient(msg, err)
	}
}

// Unavailable classifies a failure that never produced an API response.
func Unavailable(provider string, err error) error {
	return failure.Transient(provider+" request failed", err)
}

// Empty reports a response without usable text.
func Empty(provider, reason string) error {
	if reason == "" {
		return failure.Rejected(provider+" returned an empty completion", nil)
	}
	return failure.Rejected(fmt.Sprintf("%s returned an empty completion (%s)", provider, reason), nil)
}
