// Package ratelimit admits jobs against per-key token buckets.
//
// Every subscription key carries a rate-limit class string such as
// "10/min". A class defines two budgets over the same window: a
// request-count budget and a compute-seconds budget. Admission reserves
// from both optimistically and can roll either back.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultComputeEstimate is the per-job compute budget assumed when a
// class does not carry an explicit compute figure.
const DefaultComputeEstimate = 60 * time.Second

// Class is a parsed rate-limit class.
type Class struct {
	// Requests allowed per Window.
	Requests int

	// Window over which both budgets replenish.
	Window time.Duration

	// ComputeSeconds of backend time allowed per Window.
	ComputeSeconds int
}

// ParseClass parses a class string of the form "N/sec|min|hour" with an
// optional ";compute=Ss/sec|min|hour" suffix, e.g. "10/min" or
// "10/min;compute=600s/min".
func ParseClass(s string) (Class, error) {
	base := s
	var computePart string
	if i := strings.IndexByte(s, ';'); i >= 0 {
		base = s[:i]
		computePart = s[i+1:]
	}

	n, window, err := parseQuota(base)
	if err != nil {
		return Class{}, fmt.Errorf("rate limit class %q: %w", s, err)
	}

	c := Class{
		Requests:       n,
		Window:         window,
		ComputeSeconds: n * int(DefaultComputeEstimate/time.Second),
	}

	if computePart != "" {
		val, ok := strings.CutPrefix(computePart, "compute=")
		if !ok {
			return Class{}, fmt.Errorf("rate limit class %q: unknown modifier %q", s, computePart)
		}
		secs, cw, err := parseComputeQuota(val)
		if err != nil {
			return Class{}, fmt.Errorf("rate limit class %q: %w", s, err)
		}
		if cw != window {
			return Class{}, fmt.Errorf("rate limit class %q: compute window must match request window", s)
		}
		c.ComputeSeconds = secs
	}
	return c, nil
}

func parseQuota(s string) (int, time.Duration, error) {
	num, unit, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("expected N/window, got %q", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid request count %q", num)
	}
	w, err := parseWindow(unit)
	if err != nil {
		return 0, 0, err
	}
	return n, w, nil
}

func parseComputeQuota(s string) (int, time.Duration, error) {
	num, unit, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("expected Ss/window, got %q", s)
	}
	num, hadSuffix := strings.CutSuffix(num, "s")
	if !hadSuffix {
		return 0, 0, fmt.Errorf("compute figure %q must be in seconds (e.g. 600s)", num)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid compute seconds %q", num)
	}
	w, err := parseWindow(unit)
	if err != nil {
		return 0, 0, err
	}
	return n, w, nil
}

func parseWindow(unit string) (time.Duration, error) {
	switch unit {
	case "sec":
		return time.Second, nil
	case "min":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown window %q (want sec, min or hour)", unit)
	}
}
