// Package reconcile merges a live build session with the backend's durable
// build record.
package reconcile

import (
	"strings"

	"github.com/joescharf/apex/internal/models"
)

// IsTerminal reports whether a durable status names a finished build.
func IsTerminal(status string) bool {
	return models.IsTerminalStatus(status)
}

// Reconcile lets a terminal durable record override a possibly stale session.
//
// When detail is nil or not terminal the payload is returned unchanged, since
// the live stream may already be ahead of it. Otherwise a new session is
// returned with the terminal status, live and resumable cleared, and missing
// metadata, files and progress taken from the record. The payload is never
// modified and Reconcile(Reconcile(p, d), d) equals Reconcile(p, d).
func Reconcile(payload *models.BuildSession, detail *models.CompletedBuildDetail) *models.BuildSession {
	if detail == nil {
		return payload
	}
	status := strings.TrimSpace(detail.Status)
	if !IsTerminal(status) {
		return payload
	}

	var next *models.BuildSession
	if payload == nil {
		next = models.SessionFromDetail(detail)
		next.Files = nil
	} else {
		next = payload.Clone()
	}

	if next.ID == "" {
		next.ID = detail.BuildID
	}
	if next.ProjectID == nil {
		next.ProjectID = detail.ProjectID
	}
	if next.Description == "" {
		next.Description = detail.Description
	}
	if next.Mode == "" {
		next.Mode = detail.Mode
	}
	if next.PowerMode == "" {
		next.PowerMode = detail.PowerMode
	}

	next.Status = models.BuildStatus(status)
	next.Live = false
	next.Resumable = false

	if len(next.Files) == 0 && len(detail.Files) > 0 {
		files := make([]models.GeneratedFile, len(detail.Files))
		copy(files, detail.Files)
		next.Files = files
	}

	switch {
	case detail.Progress != nil && next.Status == models.BuildStatusCompleted:
		next.Progress = max(100, *detail.Progress)
	case detail.Progress != nil:
		next.Progress = *detail.Progress
	case next.Status == models.BuildStatusCompleted:
		next.Progress = 100
	}

	if next.Error == "" {
		next.Error = detail.Error
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = detail.CreatedAt
	}
	if detail.CompletedAt != nil && detail.CompletedAt.After(next.UpdatedAt) {
		next.UpdatedAt = *detail.CompletedAt
	}
	return next
}
