package model

// ContactRef is a contact as seen by the delivery pipeline.
type ContactRef struct {
	ID          string            `json:"id"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	DeviceToken string            `json:"device_token,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Recipient is the channel address a sender delivers to. Reference is passed
// to providers as the client message id so they can drop duplicate submissions.
type Recipient struct {
	ContactID string
	Channel   Channel
	Address   string
	Name      string
	Reference string
}

type RenderedContent struct {
	Subject  string `json:"subject,omitempty"`
	Title    string `json:"title,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`
	TextBody string `json:"text_body,omitempty"`
}

// SendResult is the outcome of a single provider call.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	ErrorMessage      string
	ErrorCode         ErrorCode
	Retryable         bool
}

func Sent(providerMessageID string) SendResult {
	return SendResult{Success: true, ProviderMessageID: providerMessageID}
}

func Failed(err *SendError) SendResult {
	return SendResult{
		ErrorMessage: err.Message,
		ErrorCode:    err.Code,
		Retryable:    err.Retryable,
	}
}

// Err returns the classified failure, or nil for a successful send.
func (r SendResult) Err() *SendError {
	if r.Success {
		return nil
	}
	return &SendError{Code: r.ErrorCode, Message: r.ErrorMessage, Retryable: r.Retryable}
}
