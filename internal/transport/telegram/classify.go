package telegram

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"secposter/internal/transport"
)

var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps a Bot API error onto the delivery taxonomy: flood control,
// 5xx and network trouble are retryable; 400 and 403 are final.
func classify(err error) transport.Result {
	if err == nil {
		return transport.Success()
	}
	reason := err.Error()

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.Retryable(reason).WithRetryAfter(time.Duration(flood.RetryAfter) * time.Second)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.Retryable(reason)
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := codeSuffix.FindStringSubmatch(reason); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == 429, code >= 500:
		return transport.Retryable(reason)
	case code == 400, code == 403:
		return transport.Fatal(reason)
	case code == 401, code == 404:
		// bad token or unknown chat: no retry can fix it
		return transport.Fatal(reason)
	}
	// network failures and anything unrecognised
	return transport.Retryable(reason)
}
