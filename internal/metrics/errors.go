package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Error kinds reported for common transport failures. An overloaded gate
// usually shows up as one of these rather than as an HTTP status.
const (
	KindDeadline   = "Context deadline exceeded"
	KindCanceled   = "Context canceled"
	KindRefused    = "Connection refused"
	KindReset      = "Connection reset"
	KindEOF        = "Connection closed early"
	KindTimeout    = "Network timeout"
	KindDNS        = "DNS lookup failed"
	KindUnknownErr = "Unknown error"
)

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	Status() int
}

// ClassifyError buckets err for reporting. Checks run from most to least
// specific so a wrapped deadline inside a *url.Error still reads as a deadline.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("HTTP %d", sc.Status())
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindEOF
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	}
	return typeLabel(err)
}

// typeLabel names an unrecognised error by its innermost concrete type, e.g.
// "OpError (net)".
func typeLabel(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if name == "" {
		return KindUnknownErr
	}
	pkg, typ, found := strings.Cut(name, ".")
	if !found || pkg == "main" {
		return name
	}
	return fmt.Sprintf("%s (%s)", typ, pkg)
}
