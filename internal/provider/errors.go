package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a provider call failure.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts, rate limits and 5xx responses.
	KindTransient ErrorKind = iota
	// KindPermanent covers capability or model errors that will not fix themselves.
	KindPermanent
)

// String returns the kind name.
func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// CallError is a classified failure of one provider call.
type CallError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int // HTTP status when known, 0 otherwise
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient failure of provider.
func Transient(provider string, err error) error {
	return &CallError{Provider: provider, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a permanent failure of provider.
func Permanent(provider string, err error) error {
	return &CallError{Provider: provider, Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind == KindPermanent
	}
	return false
}

// permanentMarkers are substrings providers use for model/capability errors.
var permanentMarkers = []string{
	"model_not_found",
	"model not found",
	"does not exist",
	"deprecated",
	"decommissioned",
	"not support image",
	"does not support image",
	"invalid_model",
}

// ClassifyStatus maps an HTTP status code and error body to a classified CallError.
//
// 404 and model/capability messages are permanent; 408, 429 and 5xx are transient;
// other 4xx are permanent since resending the same request cannot succeed.
func ClassifyStatus(provider string, status int, err error) error {
	kind := KindTransient
	switch {
	case status == 404:
		kind = KindPermanent
	case status == 408 || status == 429 || status >= 500:
		kind = KindTransient
	case status >= 400:
		kind = KindPermanent
	}
	if err != nil && hasPermanentMarker(err.Error()) {
		kind = KindPermanent
	}
	return &CallError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// Classify wraps an unclassified transport error. Already-classified errors pass through.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return Transient(provider, err)
	case hasPermanentMarker(err.Error()):
		return Permanent(provider, err)
	}
	return Transient(provider, err)
}

func hasPermanentMarker(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
