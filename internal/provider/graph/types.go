// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"net/mail"

	"github.com/shineum/newsletter/internal/email"
)

// sendMailRequest is the request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject       string      `json:"subject"`
	Body          messageBody `json:"body"`
	ToRecipients  []recipient `json:"toRecipients,omitempty"`
	BccRecipients []recipient `json:"bccRecipients,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts a message into a sendMail request body.
// The sending mailbox is fixed by the endpoint URL, so msg.From is not sent.
func buildSendMailRequest(msg *email.Message) *sendMailRequest {
	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          messageBody{ContentType: "text", Content: msg.Body},
			ToRecipients:  recipients(msg.To),
			BccRecipients: recipients(msg.Bcc),
		},
	}
}

func recipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		r := recipient{EmailAddress: emailAddress{Address: a}}
		if parsed, err := mail.ParseAddress(a); err == nil {
			r.EmailAddress = emailAddress{Name: parsed.Name, Address: parsed.Address}
		}
		out = append(out, r)
	}
	return out
}
