// Package notify delivers the synchronizer's terminal notices. Notices are
// always logged; when SMTP is configured they are also mailed to the
// operations address.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       string
}

// Service delivers notices
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a notice service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email delivery is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && s.config.To != ""
}

// ProcessingComplete announces that all backend analysis for a proposal
// finished. The poll controller guarantees this fires at most once per load.
func (s *Service) ProcessingComplete(proposalID string) {
	log.Printf("notify: proposal %s processing complete", proposalID)
	s.send(
		fmt.Sprintf("Proposal %s processing complete", proposalID),
		fmt.Sprintf("All document extraction and analysis for proposal %s has finished.", proposalID),
	)
}

// AutoRefreshFailed announces that polling gave up after repeated failures.
func (s *Service) AutoRefreshFailed(proposalID string) {
	log.Printf("notify: proposal %s auto-refresh failed, polling stopped", proposalID)
	s.send(
		fmt.Sprintf("Proposal %s auto-refresh failed", proposalID),
		fmt.Sprintf("Automatic status refresh for proposal %s stopped after repeated failures. A manual refresh will resume it.", proposalID),
	)
}

// SiblingSyncDegraded announces a partial-success save.
func (s *Service) SiblingSyncDegraded(proposalID string, failedIDs []string) {
	log.Printf("notify: proposal %s sibling sync failed for %s", proposalID, strings.Join(failedIDs, ", "))
}

func (s *Service) send(subject, body string) {
	if !s.IsConfigured() {
		return
	}
	if err := s.sendEmail([]string{s.config.To}, subject, body); err != nil {
		log.Printf("notify: email delivery failed: %v", err)
	}
}

// sendEmail sends a plain text email
func (s *Service) sendEmail(to []string, subject, body string) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}
