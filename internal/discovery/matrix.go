package discovery

// Mode is the encryption posture of a connection attempt.
type Mode string

const (
	// ModeSSL is implicit TLS from the first byte.
	ModeSSL Mode = "ssl"
	// ModeSTARTTLS is a plaintext session upgraded in-protocol.
	ModeSTARTTLS Mode = "starttls"
	// ModePlain is an unencrypted session.
	ModePlain Mode = "plain"
	// ModeNone means the host is reachable but offers no TLS.
	// Produced by detection only, never by the negotiation matrix.
	ModeNone Mode = "none"
	// ModeUnreachable means the TCP connect itself failed.
	ModeUnreachable Mode = "unreachable"
)

// SecurityAttempt pairs a port with the encryption mode to try on it.
type SecurityAttempt struct {
	Port int
	Mode Mode
}

// SMTPAttempts returns the ordered (port, mode) pairs for SMTP
// negotiation. Encrypted transports come first; (25, plain) is
// appended only when allowInsecure.
func SMTPAttempts(allowInsecure bool) []SecurityAttempt {
	attempts := []SecurityAttempt{
		{Port: 587, Mode: ModeSTARTTLS},
		{Port: 465, Mode: ModeSSL},
		{Port: 2525, Mode: ModeSTARTTLS},
	}
	if allowInsecure {
		attempts = append(attempts, SecurityAttempt{Port: 25, Mode: ModePlain})
	}
	return attempts
}

// IMAPAttempts is the IMAP counterpart of SMTPAttempts.
func IMAPAttempts(allowInsecure bool) []SecurityAttempt {
	attempts := []SecurityAttempt{
		{Port: 993, Mode: ModeSSL},
		{Port: 143, Mode: ModeSTARTTLS},
	}
	if allowInsecure {
		attempts = append(attempts, SecurityAttempt{Port: 143, Mode: ModePlain})
	}
	return attempts
}
