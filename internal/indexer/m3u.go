// Package indexer parses an M3U channel list into catalog.Channel values.
// Only live-channel fields are extracted: this tuner composes live sources
// into layouts, it does not build a VOD/series library.
package indexer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/localtuner/multiviewer/internal/catalog"
	"github.com/localtuner/multiviewer/internal/httpclient"
)

const maxLineSize = 1 << 20 // 1 MiB per line

// ParseM3U fetches the M3U at m3uURL and parses it in a streaming fashion.
// If client is nil, httpclient.Default() is used. userAgent, when set, is
// sent as the User-Agent header (DEFAULT_UA).
func ParseM3U(m3uURL, userAgent string, client *http.Client) ([]catalog.Channel, error) {
	if client == nil {
		client = httpclient.Default()
	}
	req, err := http.NewRequest(http.MethodGet, m3uURL, nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	// M3U sources are frequently Xtream-style IPTV panels that rate-limit
	// aggressively; ProviderRetryPolicy retries 403s as well as 429/5xx.
	resp, err := httpclient.DoWithRetry(req.Context(), client, req, httpclient.ProviderRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errStatusCode(resp.StatusCode)
	}
	entries, err := parseM3UFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return buildFromM3UEntries(entries), nil
}

// ParseM3UBytes parses an M3U document already in memory; used by tests and
// by any offline catalog seed file.
func ParseM3UBytes(data []byte) ([]catalog.Channel, error) {
	entries, err := parseM3UFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return buildFromM3UEntries(entries), nil
}

type m3uEntry struct {
	extinf string
	url    string
}

func parseM3UFromReader(r io.Reader) ([]m3uEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, maxLineSize)
	var entries []m3uEntry
	var extinf string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXTINF:") {
			extinf = line
			continue
		}
		if extinf != "" && (strings.HasPrefix(line, "http") || strings.HasPrefix(line, "/")) {
			entries = append(entries, m3uEntry{extinf: extinf, url: line})
			extinf = ""
			continue
		}
		extinf = ""
	}
	return entries, sc.Err()
}

func buildFromM3UEntries(entries []m3uEntry) []catalog.Channel {
	var out []catalog.Channel
	for i, e := range entries {
		name := titleFromEXTINF(e.extinf)
		if name == catalog.ReservedChannelName {
			continue
		}
		tvgID := attrFromEXTINF(e.extinf, "tvg-id")
		out = append(out, catalog.Channel{
			ID:         stableID(e.url, e.extinf),
			Name:       name,
			Group:      attrFromEXTINF(e.extinf, "group-title"),
			ChannelNum: strconv.Itoa(i + 1),
			StreamURL:  e.url,
			TVGID:      tvgID,
			EPGLinked:  tvgID != "",
			LogoURL:    attrFromEXTINF(e.extinf, "tvg-logo"),
		})
	}
	return out
}

func titleFromEXTINF(extinf string) string {
	if i := strings.Index(extinf, ","); i >= 0 {
		return strings.TrimSpace(extinf[i+1:])
	}
	return extinf
}

// attrFromEXTINF extracts key="value" from an #EXTINF line.
func attrFromEXTINF(extinf, key string) string {
	prefix := key + `="`
	if i := strings.Index(extinf, prefix); i >= 0 {
		i += len(prefix)
		if j := strings.Index(extinf[i:], `"`); j >= 0 {
			return extinf[i : i+j]
		}
	}
	return ""
}

func stableID(url, extinf string) string {
	h := uint64(14695981039346656037) // FNV-1a offset basis
	for _, c := range url {
		h ^= uint64(c)
		h *= 1099511628211
	}
	for _, c := range extinf {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return "ch_" + strconv.FormatUint(h, 36)
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return "unexpected status: " + strconv.Itoa(int(e))
}
