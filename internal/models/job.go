package models

type SendJob struct {
	MailboxID   int64            `json:"mailboxId"`
	To          string           `json:"to"`
	From        string           `json:"from,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Body        string           `json:"body,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

type InboundJob struct {
	MailboxID   int64            `json:"mailboxId,omitempty"`
	Provider    string           `json:"provider"`
	Subject     string           `json:"subject,omitempty"`
	Sender      string           `json:"sender,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`

	// Status and Error are set by the webhook boundary when it already
	// rejected the notification; the processor keeps them verbatim.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}
