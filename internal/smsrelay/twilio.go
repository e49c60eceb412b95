// Package smsrelay delegates message delivery to Twilio's SMS API when a
// recipient cannot be reached over a live WhatsApp session.
package smsrelay

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/config"
)

// Relay wraps a Twilio REST client. A nil Relay (relay disabled in
// config) is safe to pass around; callers check Enabled first.
type Relay struct {
	client *twilio.RestClient
	from   string
}

func NewRelay(cfg config.SmsConfig) (*Relay, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AccountSid == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("smsrelay: twilio credentials incomplete")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSid,
		Password: cfg.AuthToken,
	})
	return &Relay{client: client, from: cfg.From}, nil
}

func (r *Relay) Enabled() bool {
	return r != nil && r.client != nil
}

// SendText delivers body to a phone number in E.164 form. The leading
// plus is added when missing; Twilio rejects bare national numbers.
func (r *Relay) SendText(to, body string) (string, error) {
	if !r.Enabled() {
		return "", errors.New("smsrelay: relay not configured")
	}
	if !strings.HasPrefix(to, "+") {
		to = "+" + to
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(r.from)
	params.SetTo(to)
	params.SetBody(body)

	resp, err := r.client.Api.CreateMessage(params)
	if err != nil {
		return "", errors.Wrap(err, "twilio create message")
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := ""
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return "", errors.Errorf("twilio error %d: %s", *resp.ErrorCode, msg)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	zap.L().Info("smsrelay: message sent", zap.String("to", to), zap.String("sid", sid))
	return sid, nil
}
