package bootstrap

import (
	"crypto"

	"github.com/jmcleod/trustline/ssl"
)

// State is one step of the bootstrap protocol. The concrete variants are the
// types in this file; Machine.Next switches over all of them.
type State interface {
	state()
}

// NeedCACerts loads or downloads the CA bundle. It always starts from an
// insecure context.
type NeedCACerts struct{}

// NeedCRLs loads or downloads the CRL bundle using the CA bundle in Ctx.
type NeedCRLs struct {
	Ctx          *ssl.Context
	ForceRefresh bool
}

// NeedKey loads or generates the host key.
type NeedKey struct {
	Ctx *ssl.Context
}

// NeedSubmitCSR submits a CSR for Key.
type NeedSubmitCSR struct {
	Ctx *ssl.Context
	Key crypto.Signer
}

// NeedCert downloads the signed certificate for Key.
type NeedCert struct {
	Ctx *ssl.Context
	Key crypto.Signer
}

// NeedRenewedCert asks the CA to renew the certificate in Ctx.
type NeedRenewedCert struct {
	Ctx *ssl.Context
	Key crypto.Signer
}

// Wait sleeps for waitforcert and starts over, or exits.
type Wait struct{}

// Error records a failed step.
type Error struct {
	Message string
	Err     error
}

// Done holds the verified mutual TLS context.
type Done struct {
	Ctx *ssl.Context
}

// Exit ends the run without a context.
type Exit struct {
	Err *ExitError
}

func (NeedCACerts) state()     {}
func (NeedCRLs) state()        {}
func (NeedKey) state()         {}
func (NeedSubmitCSR) state()   {}
func (NeedCert) state()        {}
func (NeedRenewedCert) state() {}
func (Wait) state()            {}
func (Error) state()           {}
func (Done) state()            {}
func (Exit) state()            {}

// Name returns the variant name of s, used in logs and StateError.
func Name(s State) string {
	switch s.(type) {
	case NeedCACerts:
		return "NeedCACerts"
	case NeedCRLs:
		return "NeedCRLs"
	case NeedKey:
		return "NeedKey"
	case NeedSubmitCSR:
		return "NeedSubmitCSR"
	case NeedCert:
		return "NeedCert"
	case NeedRenewedCert:
		return "NeedRenewedCert"
	case Wait:
		return "Wait"
	case Error:
		return "Error"
	case Done:
		return "Done"
	case Exit:
		return "Exit"
	}
	return "unknown"
}
