package rabbitmq

import "strings"

// Credentials negotiate the SASL exchange of Connection.StartOk.
type Credentials interface {
	// Mechanism is the SASL mechanism these credentials implement.
	Mechanism() string
	// ResponseFor picks a mechanism from the server's space separated list
	// and returns the response to send. ok is false when none is usable.
	ResponseFor(mechanisms string) (mechanism string, response []byte, ok bool)
}

// PlainCredentials authenticate with a username and password.
type PlainCredentials struct {
	Username string
	Password string
}

func (c PlainCredentials) Mechanism() string { return "PLAIN" }

func (c PlainCredentials) ResponseFor(mechanisms string) (string, []byte, bool) {
	if !offers(mechanisms, c.Mechanism()) {
		return "", nil, false
	}
	return c.Mechanism(), []byte("\x00" + c.Username + "\x00" + c.Password), true
}

// ExternalCredentials defer authentication to the transport, e.g. a TLS client certificate.
type ExternalCredentials struct{}

func (ExternalCredentials) Mechanism() string { return "EXTERNAL" }

func (c ExternalCredentials) ResponseFor(mechanisms string) (string, []byte, bool) {
	if !offers(mechanisms, c.Mechanism()) {
		return "", nil, false
	}
	return c.Mechanism(), []byte{}, true
}

func offers(mechanisms, want string) bool {
	for _, m := range strings.Fields(mechanisms) {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}
