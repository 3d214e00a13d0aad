package send

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/remote"
)

// ErrorKind groups send failures for display.
type ErrorKind string

const (
	ErrNetwork ErrorKind = "network"
	ErrTimeout ErrorKind = "timeout"
	ErrAuth    ErrorKind = "auth"
	ErrGeneric ErrorKind = "generic"
)

var reasons = map[ErrorKind]string{
	ErrNetwork: "No connection. The message will be sent when you are back online.",
	ErrTimeout: "The server took too long to respond. The message will be retried.",
	ErrAuth:    "Your session needs to be refreshed. The message will be retried.",
	ErrGeneric: "The message could not be sent yet. It will be retried.",
}

// Classify maps a send failure to a kind and a user-facing reason. It never
// changes retry behavior.
func Classify(err error) (ErrorKind, string) {
	k := classifyKind(err)
	return k, reasons[k]
}

func classifyKind(err error) ErrorKind {
	if err == nil {
		return ErrGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, auth.ErrNotAuthenticated) {
		return ErrAuth
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return ErrNetwork
	}
	return ErrGeneric
}
