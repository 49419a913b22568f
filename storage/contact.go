package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/google/uuid"
)

const (
	// ContactNamespace holds contact form submissions.
	ContactNamespace = "contact"
	// ContactRetention is how long submissions are kept.
	ContactRetention = 30 * 24 * time.Hour

	maxContactMessage = 5000
)

// Contact is a contact form submission.
type Contact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Company     string    `json:"company,omitempty"`
	Message     string    `json:"message"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Validate trims the submission and checks the required fields.
func (c *Contact) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Company = strings.TrimSpace(c.Company)
	c.Message = strings.TrimSpace(c.Message)
	switch {
	case c.Name == "":
		return frame.Errorf(frame.CodeInvalidFrame, "name is required")
	case c.Message == "":
		return frame.Errorf(frame.CodeInvalidFrame, "message is required")
	case len(c.Message) > maxContactMessage:
		return frame.Errorf(frame.CodeInvalidFrame, "message exceeds %d bytes", maxContactMessage)
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return frame.Errorf(frame.CodeInvalidFrame, "invalid email address")
	}
	return nil
}

// SaveContact validates c, assigns it an id and writes it to s under the
// contact namespace.
func SaveContact(ctx context.Context, s Storage, c Contact, now time.Time) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	c.ID = uuid.NewString()
	c.SubmittedAt = now.UTC()
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode contact: %w", err)
	}
	if err := s.Set(ctx, c.ID, b, WithNamespace(ContactNamespace), WithTTL(ContactRetention)); err != nil {
		return "", frame.Wrap(frame.CodeUpstreamUnavailable, err, "contact store unavailable")
	}
	return c.ID, nil
}
