package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Config holds the tuner's runtime settings, loaded from the environment.
// Call LoadEnvFile(".env") before Load() to seed the environment from a file.
type Config struct {
	Addr string // HTTP listen address, e.g. ":8080"

	M3USource  string // channel list source URL
	DefaultUA  string
	SourceHeaders []string // extra request headers sent to upstream sources, "Key: Value" each

	AudioSourceSlot int // AUDIO_SOURCE slot index; loaded only, a layout that omits its audio source does not get it
	InsetScale      int // default inset width in pixels for pip-style layouts
	InsetMargin     int // default inset margin in pixels for pip-style layouts

	EncoderPreference string // auto | nvidia | intel | amd | cpu
	FFmpegPath        string // "" resolves ffmpeg via PATH

	IdleTimeout time.Duration // how long a session may sit live with zero clients before auto-stop

	SSDPDisabled    bool
	AnnounceBaseURL string // reachable http(s) base URL advertised over SSDP
	DeviceID        string
}

// Load reads configuration from the environment.
func Load() *Config {
	c := &Config{
		Addr:              getEnv("MULTIVIEW_ADDR", ":8080"),
		M3USource:         os.Getenv("M3U_SOURCE"),
		DefaultUA:         getEnv("DEFAULT_UA", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128 Safari/537.36"),
		AudioSourceSlot:   getEnvInt("AUDIO_SOURCE", 0),
		InsetScale:        getEnvInt("INSET_SCALE", 640),
		InsetMargin:       getEnvInt("INSET_MARGIN", 40),
		EncoderPreference: strings.ToLower(getEnv("ENCODER_PREFERENCE", "auto")),
		FFmpegPath:        os.Getenv("FFMPEG_PATH"),
		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		SSDPDisabled:      getEnvBool("MULTIVIEW_SSDP_DISABLED", false),
		AnnounceBaseURL:   os.Getenv("MULTIVIEW_ANNOUNCE_URL"),
		DeviceID:          getEnv("MULTIVIEW_DEVICE_ID", "multiviewer-1"),
	}
	c.SourceHeaders = parseSourceHeaders(os.Getenv("SOURCE_HEADERS"))
	return c
}

// parseSourceHeaders splits a newline-separated SOURCE_HEADERS value into
// individual "Key: Value" lines, dropping any entry that is not a
// well-formed HTTP header, so a malformed entry is dropped at load time
// instead of being passed on into ffmpeg's request.
func parseSourceHeaders(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}
		out = append(out, name+": "+value)
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
