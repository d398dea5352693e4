// Package notify sends the few emails the lifecycle produces. SMTP settings
// come from the environment; when they are missing the service logs and
// drops the message so local development works without a mail server.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"os"
	"time"
)

type Service struct{}

func NewService() *Service { return &Service{} }

func (s *Service) send(to, subject, body string) error {
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	user := os.Getenv("SMTP_USER")
	pass := os.Getenv("SMTP_PASS")
	from := os.Getenv("SMTP_FROM")
	if from == "" {
		from = user
	}
	if host == "" || port == "" || user == "" || pass == "" || from == "" {
		log.Printf("[notify][skip] to=%s subject=%q reason=smtp_not_configured", to, subject)
		return nil
	}
	addr := fmt.Sprintf("%s:%s", host, port)
	auth := smtp.PlainAuth("", user, pass, host)
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body))
	return smtp.SendMail(addr, auth, from, []string{to}, msg)
}

// RecommendationsSent tells the care team an evaluation finished so the
// client outreach can start.
func (s *Service) RecommendationsSent(clientID int, tier string) error {
	to := os.Getenv("CARE_TEAM_EMAIL")
	if to == "" {
		log.Printf("[notify][skip] event=recommendations_sent client_id=%d reason=no_care_team_email", clientID)
		return nil
	}
	subject := "Evaluation recommendations sent"
	body := fmt.Sprintf("Client %d completed their evaluation. Recommended plan: %s.", clientID, tier)
	if err := s.send(to, subject, body); err != nil {
		return err
	}
	log.Printf("[notify][sent] event=recommendations_sent client_id=%d tier=%s", clientID, tier)
	return nil
}

// ReviewDeadlineApproaching reminds a therapist that an assigned evaluation
// is waiting on their review.
func (s *Service) ReviewDeadlineApproaching(therapistEmail, evaluationRef string, deadline time.Time) error {
	if therapistEmail == "" {
		return nil
	}
	subject := "Evaluation review deadline approaching"
	body := fmt.Sprintf(
		"Evaluation %s is waiting on your review. The review window closes %s. Please start the review from your dashboard.",
		evaluationRef, deadline.Format("Mon Jan 2 3:04 PM"),
	)
	if err := s.send(therapistEmail, subject, body); err != nil {
		return err
	}
	log.Printf("[notify][sent] event=review_deadline evaluation=%s to=%s", evaluationRef, therapistEmail)
	return nil
}
