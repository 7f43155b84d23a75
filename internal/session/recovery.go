package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type Recipient struct {
	UserID string
	Email  string
	Name   string
	Phone  string
}

// RecoverySender delivers a password recovery link.
type RecoverySender interface {
	SendRecovery(ctx context.Context, to Recipient, link string) error
}

// LogSender writes recovery links to the log. Development only.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendRecovery(_ context.Context, to Recipient, link string) error {
	s.Log.Info().
		Str("user_id", to.UserID).
		Str("email", to.Email).
		Str("link", link).
		Msg("password recovery link issued")
	return nil
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender texts the link to the phone number from sign-up metadata.
// Accounts without a phone go to Fallback.
type TwilioSender struct {
	api      messageCreator
	from     string
	fallback RecoverySender
	log      zerolog.Logger
}

func NewTwilioSender(accountSID string, authToken string, from string, fallback RecoverySender, log zerolog.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{api: client.Api, from: from, fallback: fallback, log: log}
}

func (s *TwilioSender) SendRecovery(ctx context.Context, to Recipient, link string) error {
	phone := strings.TrimSpace(to.Phone)
	if phone == "" {
		if s.fallback != nil {
			return s.fallback.SendRecovery(ctx, to, link)
		}
		return nil
	}

	name := to.Name
	if name == "" {
		name = "there"
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(phone)
	params.SetFrom(s.from)
	params.SetBody(fmt.Sprintf("Hi %s, reset your ChaiTrack password here: %s", name, link))

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("send recovery sms: %w", err)
	}
	if resp.Sid != nil {
		s.log.Info().Str("user_id", to.UserID).Str("sid", *resp.Sid).Msg("recovery sms sent")
	}
	return nil
}
