package email

import (
	"context"
	"errors"
	"net/textproto"
	"regexp"
	"strconv"

	"gopkg.in/gomail.v2"
)

// SMTPClient sends mail through an SMTP relay.
type SMTPClient struct {
	dialer     *gomail.Dialer
	sender     string
	senderName string
}

func NewSMTPClient(host string, port int, user, password, sender, senderName string) (*SMTPClient, error) {
	if err := ValidateAddress(sender); err != nil {
		return nil, err
	}
	return &SMTPClient{
		dialer:     gomail.NewDialer(host, port, user, password),
		sender:     sender,
		senderName: senderName,
	}, nil
}

func (c *SMTPClient) Send(ctx context.Context, msg Message) error {
	if err := ValidateAddress(msg.To); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transient("canceled", 0, err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", c.sender, c.senderName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBody("text/html", msg.HTMLBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}

	// gomail has no context support; run the exchange aside so cancellation
	// returns promptly. The lease covers a send that finishes late.
	done := make(chan error, 1)
	go func() { done <- c.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		return classifySMTP(err)
	case <-ctx.Done():
		return transient("canceled", 0, ctx.Err())
	}
}

// gomail flattens reply errors with %v, so the code is recovered from text
// of the form "gomail: could not send email 1: 550 5.1.1 unknown user".
var replyCode = regexp.MustCompile(`(?:^|: )([45]\d\d)[ -]`)

func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code = tpErr.Code
	} else if m := replyCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code >= 500:
		return permanent("smtp_5xx", code, err)
	case code >= 400:
		return transient("smtp_4xx", code, err)
	}
	return transient("network", 0, err)
}
