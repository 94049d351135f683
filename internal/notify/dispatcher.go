package notify

import (
	"context"
	"errors"
	"time"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Dispatcher delivers a message over a channel and reports delivery errors
// to the caller. Implementations own no durable state.
type Dispatcher interface {
	SendEmail(ctx context.Context, to string, msg Message, priority Priority) error
	SendSMS(ctx context.Context, number, body string, priority Priority) error
}

type EmailSender interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

type SMSSender interface {
	Send(ctx context.Context, to, body string) error
}

// Service fans out to the configured channel senders with a bounded per-send
// timeout so a slow provider cannot block the caller indefinitely.
type Service struct {
	Email   EmailSender
	SMS     SMSSender
	Timeout time.Duration
}

const defaultTimeout = 10 * time.Second

func NewService(email EmailSender, sms SMSSender, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{Email: email, SMS: sms, Timeout: timeout}
}

var errChannelNotConfigured = errors.New("notification channel is not configured")

func (s *Service) SendEmail(ctx context.Context, to string, msg Message, _ Priority) error {
	if s.Email == nil {
		return errChannelNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return s.Email.Send(ctx, to, msg.Subject, msg.Text, msg.HTML)
}

func (s *Service) SendSMS(ctx context.Context, number, body string, _ Priority) error {
	if s.SMS == nil {
		return errChannelNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	return s.SMS.Send(ctx, number, body)
}
