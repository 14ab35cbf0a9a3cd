package binance

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/execgate/errs"
)

// Binance REST error codes the adapter distinguishes.
const (
	codeUnknown          = -1000
	codeDisconnected     = -1001
	codeUnauthorized     = -1002
	codeTooManyRequests  = -1003
	codeTimeout          = -1007
	codeInvalidTimestamp = -1021
	codeBadSymbol        = -1121
	codeFilterFailure    = -1013
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
	codeBadAPIKeyFormat  = -2014
	codeRejectedMBXKey   = -2015
)

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError maps a failed REST response onto the gateway error taxonomy.
func parseError(venueName string, status int, header http.Header, body []byte) error {
	var apiErr binanceError
	if err := json.Unmarshal(body, &apiErr); err != nil || (apiErr.Code == 0 && apiErr.Msg == "") {
		apiErr = binanceError{Msg: strings.TrimSpace(string(body))}
	}
	opts := []errs.Option{
		errs.WithHTTP(status),
		errs.WithRawMessage(apiErr.Msg),
		errs.WithMessage(fmt.Sprintf("binance request failed with status %d", status)),
	}
	if apiErr.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(apiErr.Code)))
	}

	code := classify(status, apiErr)
	switch code {
	case errs.CodeRateLimited:
		opts = append(opts, errs.WithRetryAfter(retryAfter(header)))
	case errs.CodeRejected, errs.CodeValidation, errs.CodeNotFound:
		opts = append(opts, errs.WithCanonicalCode(canonical(apiErr)))
	}
	return errs.New(venueName, code, opts...)
}

func classify(status int, apiErr binanceError) errs.Code {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == codeTooManyRequests:
		return errs.CodeRateLimited
	case status >= http.StatusInternalServerError:
		return errs.CodeTransient
	}
	switch apiErr.Code {
	case codeUnknown, codeDisconnected, codeTimeout, codeInvalidTimestamp:
		return errs.CodeTransient
	case codeUnauthorized, codeBadAPIKeyFormat, codeRejectedMBXKey:
		return errs.CodeAuth
	case codeFilterFailure, codeBadSymbol:
		return errs.CodeValidation
	case codeNoSuchOrder:
		return errs.CodeNotFound
	case codeNewOrderRejected, codeCancelRejected:
		return errs.CodeRejected
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.CodeAuth
	case http.StatusNotFound:
		return errs.CodeNotFound
	}
	return errs.CodeRejected
}

func canonical(apiErr binanceError) errs.CanonicalCode {
	msg := strings.ToLower(apiErr.Msg)
	switch {
	case strings.Contains(msg, "insufficient balance"):
		return errs.CanonicalInsufficientBalance
	case strings.Contains(msg, "duplicate order"):
		return errs.CanonicalDuplicateOrder
	case apiErr.Code == codeNoSuchOrder || strings.Contains(msg, "order does not exist"):
		return errs.CanonicalOrderNotFound
	case apiErr.Code == codeBadSymbol:
		return errs.CanonicalInvalidSymbol
	case apiErr.Code == codeFilterFailure:
		return errs.CanonicalFilterViolation
	default:
		return errs.CanonicalUnknown
	}
}

// retryAfter reads Retry-After as delta seconds or an HTTP date.
func retryAfter(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// transportError wraps a failure that never produced an HTTP response.
func transportError(venueName, op string, err error) error {
	return errs.New(venueName, errs.CodeTransient,
		errs.WithMessage(op),
		errs.WithCause(err))
}

func isDuplicateOrder(err error) bool {
	return errs.Is(err, errs.CodeRejected) && errs.CanonicalOf(err) == errs.CanonicalDuplicateOrder
}

var errMissingCredentials = errors.New("binance: api key and secret required")
