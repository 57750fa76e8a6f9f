package model

import "time"

// Account is a configured mail account. The password is never part of the
// account row; it lives in the credential provider keyed by ID.
type Account struct {
	// ID is a locally generated UUID.
	ID string `json:"id" db:"id"`

	// Email is the account's primary address.
	Email string `json:"email" db:"email"`

	// DisplayName is the user-facing label for the account.
	DisplayName string `json:"display_name" db:"display_name"`

	// Provider is a free-form hint such as "gmail" or "fastmail".
	Provider string `json:"provider" db:"provider"`

	IMAPHost     string `json:"imap_host" db:"imap_host"`
	IMAPPort     int    `json:"imap_port" db:"imap_port"`
	IMAPUsername string `json:"imap_username" db:"imap_username"`

	// IMAPTLS enables implicit TLS (usually port 993).
	IMAPTLS bool `json:"imap_tls" db:"imap_tls"`

	// IMAPStartTLS upgrades a plaintext connection with STARTTLS. It is
	// ignored when IMAPTLS is set.
	IMAPStartTLS bool `json:"imap_starttls" db:"imap_starttls"`

	SMTPHost     string `json:"smtp_host" db:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" db:"smtp_port"`
	SMTPUsername string `json:"smtp_username" db:"smtp_username"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Login returns the IMAP login name, falling back to the email address.
func (a Account) Login() string {
	if a.IMAPUsername != "" {
		return a.IMAPUsername
	}
	return a.Email
}
