// Package compiler turns a validated layout.Config plus a set of channel
// URLs into the ffmpeg command line that produces it. Compile has no I/O:
// it only builds argv: spawning ffmpeg is the encoder package's job.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/localtuner/multiviewer/internal/layout"
	"github.com/localtuner/multiviewer/internal/safeurl"
)

const (
	outputWidth  = 1920
	outputHeight = 1080
	outputFPS    = 30

	// customBorderPx is the width of the optional white border drawn around
	// pip/dvd_pip insets and bordered custom slots.
	customBorderPx = 8
)

// EncoderProfile names the video encoder ffmpeg should use and its tuning,
// resolved ahead of time from ENCODER_PREFERENCE (auto/nvidia/intel/amd/cpu).
// Compile only consumes the already-resolved codec name; it never probes
// hardware itself.
type EncoderProfile struct {
	Name     string // "auto", "nvidia", "intel", "amd", "cpu"
	VideoCodec string // e.g. "libx264", "h264_nvenc", "h264_qsv", "h264_amf"
	Preset   string
}

// DefaultProfile is the CPU software-encode fallback used when no hardware
// preference is configured or resolvable.
var DefaultProfile = EncoderProfile{Name: "cpu", VideoCodec: "libx264", Preset: "veryfast"}

// profilesByPreference maps ENCODER_PREFERENCE values to their ffmpeg codec
// name. "auto" resolves to DefaultProfile: probing for hardware encoders at
// startup is out of scope, so auto behaves as cpu until set explicitly.
var profilesByPreference = map[string]EncoderProfile{
	"cpu":    DefaultProfile,
	"nvidia": {Name: "nvidia", VideoCodec: "h264_nvenc", Preset: "p4"},
	"intel":  {Name: "intel", VideoCodec: "h264_qsv", Preset: "veryfast"},
	"amd":    {Name: "amd", VideoCodec: "h264_amf", Preset: "balanced"},
}

// ProfileForPreference resolves a configured ENCODER_PREFERENCE string to a
// concrete EncoderProfile, falling back to DefaultProfile for "auto" or any
// unrecognized value.
func ProfileForPreference(preference string) EncoderProfile {
	if p, ok := profilesByPreference[preference]; ok {
		return p
	}
	return DefaultProfile
}

// Spec bundles everything Compile needs to build one ffmpeg invocation.
type Spec struct {
	Layout      layout.Config
	ChannelURLs map[string]string // channel ID -> stream URL (for each slot's assigned channel)
	InsetScale  int               // pip inset width in pixels
	InsetMargin int               // pip inset margin in pixels
	UserAgent   string
	Headers     []string // "Key: Value" lines, already validated
	Profile     EncoderProfile
}

// Compile builds the ffmpeg argv for spec. It is pure: same input always
// yields the same output, and it performs no I/O or process spawning.
func Compile(spec Spec) ([]string, error) {
	slots := spec.Layout.OrderedSlots()
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no slots in layout", layout.ErrInvalidLayout)
	}

	urls := make([]string, len(slots))
	for i, slot := range slots {
		chanID := spec.Layout.Slots[slot]
		url, ok := spec.ChannelURLs[chanID]
		if !ok || url == "" {
			return nil, fmt.Errorf("%w: no stream URL for channel %q in slot %d", layout.ErrInvalidLayout, chanID, slot)
		}
		if !safeurl.IsHTTPOrHTTPS(url) {
			return nil, fmt.Errorf("%w: channel %q has a non-http(s) stream URL", layout.ErrInvalidLayout, chanID)
		}
		urls[i] = url
	}

	profile := spec.Profile
	if profile.VideoCodec == "" {
		profile = DefaultProfile
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-nostats",
	}

	for _, url := range urls {
		args = append(args, inputArgs(url, spec.UserAgent, spec.Headers)...)
		args = append(args, "-i", url)
	}

	insetScale := spec.InsetScale
	if insetScale <= 0 {
		insetScale = 640
	}
	insetMargin := spec.InsetMargin
	if insetMargin <= 0 {
		insetMargin = 40
	}
	filter, videoOut, audioOut, err := buildFilterGraph(spec.Layout, slots, insetScale, insetMargin)
	if err != nil {
		return nil, err
	}
	args = append(args, "-filter_complex", filter)
	args = append(args, "-map", "["+videoOut+"]")
	args = append(args, "-map", "["+audioOut+"]")

	args = append(args,
		"-c:v", profile.VideoCodec,
		"-preset", presetOrDefault(profile),
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(outputFPS),
		"-g", strconv.Itoa(outputFPS*2),
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "48000",
		"-f", "mpegts",
		"pipe:1",
	)
	return args, nil
}

func presetOrDefault(p EncoderProfile) string {
	if p.Preset != "" {
		return p.Preset
	}
	return "veryfast"
}

// inputArgs returns the per-input robustness flags (reconnect, UA, headers)
// applied before each -i.
func inputArgs(url, userAgent string, headers []string) []string {
	var args []string
	if strings.HasPrefix(url, "http") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-rw_timeout", "15000000",
		)
		if userAgent != "" {
			args = append(args, "-user_agent", userAgent)
		}
		if len(headers) > 0 {
			args = append(args, "-headers", strings.Join(headers, "\r\n")+"\r\n")
		}
	}
	return args
}

// buildFilterGraph returns the -filter_complex string and the labels of the
// final video and audio outputs.
func buildFilterGraph(cfg layout.Config, slots []int, insetScale, insetMargin int) (filter, videoOut, audioOut string, err error) {
	var video string
	switch cfg.Kind {
	case layout.KindSplitH:
		video = twoUpStack(slots, "hstack")
	case layout.KindSplitV:
		video = twoUpStack(slots, "vstack")
	case layout.KindGrid2x2:
		video = grid2x2(slots)
	case layout.KindPiP:
		video = pip(insetScale, insetMargin)
	case layout.KindDVDPiP:
		video = dvdPip(insetScale, insetMargin)
	case layout.KindMultiPiP2, layout.KindMultiPiP3, layout.KindMultiPiP4:
		video = multiPiP(slots)
	case layout.KindCustom:
		video = custom(slots, cfg)
	default:
		return "", "", "", fmt.Errorf("%w: unsupported layout kind %q", layout.ErrInvalidLayout, cfg.Kind)
	}

	audio := audioGraph(slots, cfg)
	return video + ";" + audio, "vout", "aout", nil
}

// scalePad returns a scale+pad filter chain fitting a source into w x h
// without distorting its aspect ratio, letterboxing the remainder in black.
func scalePad(w, h int) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
		w, h, w, h,
	)
}

func twoUpStack(slots []int, stackFilter string) string {
	w, h := outputWidth/2, outputHeight
	if stackFilter == "vstack" {
		w, h = outputWidth, outputHeight/2
	}
	var b strings.Builder
	for i := range slots {
		b.WriteString(fmt.Sprintf("[%d:v]%s[v%d];", i, scalePad(w, h), i))
	}
	b.WriteString(fmt.Sprintf("[v0][v1]%s=inputs=2[vout]", stackFilter))
	return b.String()
}

func grid2x2(slots []int) string {
	w, h := outputWidth/2, outputHeight/2
	var b strings.Builder
	for i := range slots {
		b.WriteString(fmt.Sprintf("[%d:v]%s[v%d]", i, scalePad(w, h), i))
		b.WriteString(";")
	}
	b.WriteString(fmt.Sprintf("[v0][v1]hstack=inputs=2[top];"))
	b.WriteString(fmt.Sprintf("[v2][v3]hstack=inputs=2[bottom];"))
	b.WriteString("[top][bottom]vstack=inputs=2[vout]")
	return b.String()
}

func pip(insetW, margin int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[0:v]%s[main];", scalePad(outputWidth, outputHeight)))
	insetH := insetW * 9 / 16
	x := outputWidth - insetW - margin
	y := outputHeight - insetH - margin
	innerW, innerH := insetW-2*customBorderPx, insetH-2*customBorderPx
	b.WriteString(fmt.Sprintf(
		"[1:v]scale=%d:%d,pad=%d:%d:%d:%d:white[pip];",
		innerW, innerH, insetW, insetH, customBorderPx, customBorderPx,
	))
	b.WriteString(fmt.Sprintf("[main][pip]overlay=%d:%d[vout]", x, y))
	return b.String()
}

// dvdPip behaves like pip but the inset bounces corner-to-corner: a
// triangle wave in t per axis, 100 px/s horizontal and 75 px/s vertical,
// clamped inside the base frame minus the fixed margin — the classic
// "DVD screensaver" bounce, evaluated by ffmpeg's own per-frame clock
// rather than recomputed on the Go side.
func dvdPip(insetW, margin int) string {
	insetH := insetW * 9 / 16
	rangeX := outputWidth - insetW - margin
	rangeY := outputHeight - insetH - margin

	innerW, innerH := insetW-2*customBorderPx, insetH-2*customBorderPx
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[0:v]%s[main];", scalePad(outputWidth, outputHeight)))
	b.WriteString(fmt.Sprintf(
		"[1:v]scale=%d:%d,pad=%d:%d:%d:%d:white[pip];",
		innerW, innerH, insetW, insetH, customBorderPx, customBorderPx,
	))
	x := triangleWave(100, rangeX)
	y := triangleWave(75, rangeY)
	b.WriteString(fmt.Sprintf("[main][pip]overlay=x='%s':y='%s'[vout]", x, y))
	return b.String()
}

// triangleWave returns an ffmpeg expression bouncing between 0 and rng at
// speedPxPerSec pixels/second.
func triangleWave(speedPxPerSec, rng int) string {
	return fmt.Sprintf("%d-abs(mod(t*%d,%d)-%d)", rng, speedPxPerSec, 2*rng, rng)
}

// multiPiP places N=len(slots)-1 insets along the right edge with a fixed
// gap; insets are 480x270 for N=2, 384x216 for N=3/4. For N=4 the fourth
// inset wraps to the top of the frame, in a second column left of the
// first, instead of continuing the right-edge stack.
func multiPiP(slots []int) string {
	n := len(slots) - 1
	insetW := 384
	if n == 2 {
		insetW = 480
	}
	insetH := insetW * 9 / 16
	margin := 24

	var b strings.Builder
	b.WriteString(fmt.Sprintf("[0:v]scale=%d:%d[vout0];", outputWidth, outputHeight))
	prev := "vout0"
	for i := 1; i < len(slots); i++ {
		insetNum := i - 1 // 0-based position among the insets
		x := outputWidth - insetW - margin
		y := margin + insetNum*(insetH+margin)
		if n == 4 && insetNum == 3 {
			// Wrap the 4th inset into a second column at the top of the
			// frame instead of placing it below the third.
			x = outputWidth - 2*insetW - 2*margin
			y = margin
		}
		b.WriteString(fmt.Sprintf("[%d:v]scale=%d:%d[inset%d];", i, insetW, insetH, i))
		next := fmt.Sprintf("vout%d", i)
		if i == len(slots)-1 {
			next = "vout"
		}
		b.WriteString(fmt.Sprintf("[%s][inset%d]overlay=%d:%d[%s];", prev, i, x, y, next))
		prev = next
	}
	s := b.String()
	return strings.TrimSuffix(s, ";")
}

// custom composites the 1-5 CustomSlot rectangles onto a black 1920x1080
// base, largest area first so smaller insets land on top. A slot with
// Border set gets an 8px white border drawn at its rectangle, with its
// scaled content shifted 8px in on every side so the border stays visible
// around it rather than being covered.
func custom(slots []int, cfg layout.Config) string {
	ordered := make([]layout.CustomSlot, len(cfg.CustomSlots))
	copy(ordered, cfg.CustomSlots)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			ai := ordered[j-1].W * ordered[j-1].H
			aj := ordered[j].W * ordered[j].H
			if aj <= ai {
				break
			}
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	slotIndex := make(map[int]int, len(slots))
	for i, s := range slots {
		slotIndex[s] = i
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("color=black:s=%dx%d:r=%d[base0];", outputWidth, outputHeight, outputFPS))

	prevOut := "base0"
	for i, cs := range ordered {
		idx := slotIndex[cs.Slot]
		x := int(cs.X * outputWidth)
		y := int(cs.Y * outputHeight)
		w := int(cs.W * outputWidth)
		h := int(cs.H * outputHeight)
		label := fmt.Sprintf("c%d", i)

		if cs.Border {
			innerW := w - 2*customBorderPx
			innerH := h - 2*customBorderPx
			b.WriteString(fmt.Sprintf(
				"[%d:v]scale=%d:%d,pad=%d:%d:%d:%d:white[%s];",
				idx, innerW, innerH, w, h, customBorderPx, customBorderPx, label,
			))
		} else {
			b.WriteString(fmt.Sprintf("[%d:v]scale=%d:%d[%s];", idx, w, h, label))
		}

		next := fmt.Sprintf("base%d", i+1)
		if i == len(ordered)-1 {
			next = "vout"
		}
		b.WriteString(fmt.Sprintf("[%s][%s]overlay=%d:%d[%s];", prevOut, label, x, y, next))
		prevOut = next
	}
	return strings.TrimSuffix(b.String(), ";")
}

func audioGraph(slots []int, cfg layout.Config) string {
	var parts []string
	var labels []string
	for i, slot := range slots {
		vol := cfg.VolumeFor(slot)
		label := fmt.Sprintf("a%d", i)
		parts = append(parts, fmt.Sprintf("[%d:a]aformat=sample_rates=48000:channel_layouts=stereo,volume=%s[%s]", i, formatFloat(vol), label))
		labels = append(labels, "["+label+"]")
	}
	mix := fmt.Sprintf("%samix=inputs=%d:duration=longest:normalize=0[aout]", strings.Join(labels, ""), len(slots))
	return strings.Join(parts, ";") + ";" + mix
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}
