package httpclient

import (
	"net/http"
	"time"
)

// Default returns an HTTP client with timeouts so that a dead upstream
// (an M3U source, an Xtream-style provider API, a channel logo) can't hang
// a catalog refresh or proxy-image fetch forever.
func Default() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForStreaming returns a client with no overall timeout (a live channel's
// source stream is long-lived) but still a ResponseHeaderTimeout so a
// never-responding upstream fails fast instead of hanging an encoder input.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
