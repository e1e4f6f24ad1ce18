package rtc

import (
	"fmt"
	"strings"
)

// SDP quality policy: pure text transforms applied to outgoing
// descriptions. Best effort only; anything unrecognized is returned
// unchanged, since this is shaping, not correctness.

// PreferCodec reorders the video m-line's payload types so the named
// codec (e.g. "H264", broadly hardware-supported) is negotiated first.
func PreferCodec(sdp, codec string) string {
	lines := strings.Split(sdp, "\r\n")

	var preferred []string
	for _, line := range lines {
		// a=rtpmap:<pt> <codec>/<clock>
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		rest := strings.TrimPrefix(line, "a=rtpmap:")
		pt, spec, ok := strings.Cut(rest, " ")
		if !ok {
			continue
		}
		if strings.HasPrefix(spec, codec+"/") {
			preferred = append(preferred, pt)
		}
	}
	if len(preferred) == 0 {
		return sdp
	}

	for i, line := range lines {
		if !strings.HasPrefix(line, "m=video ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		header, pts := fields[:3], fields[3:]

		reordered := make([]string, 0, len(pts))
		reordered = append(reordered, intersect(preferred, pts)...)
		for _, pt := range pts {
			if !contains(preferred, pt) {
				reordered = append(reordered, pt)
			}
		}
		lines[i] = strings.Join(append(header, reordered...), " ")
	}
	return strings.Join(lines, "\r\n")
}

// ConstrainBitrate bounds the video bandwidth: a b=AS ceiling wide
// enough for low-end networks plus x-google floor/ceiling hints on the
// video codecs. Units are kbps.
func ConstrainBitrate(sdp string, minKbps, maxKbps int) string {
	lines := strings.Split(sdp, "\r\n")
	out := make([]string, 0, len(lines)+1)

	inVideo := false
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			inVideo = strings.HasPrefix(line, "m=video ")
			out = append(out, line)
			if inVideo {
				out = append(out, fmt.Sprintf("b=AS:%d", maxKbps))
			}
			continue
		}
		if inVideo && strings.HasPrefix(line, "b=AS:") {
			continue // replaced above
		}
		if inVideo && strings.HasPrefix(line, "a=fmtp:") {
			line = fmt.Sprintf("%s;x-google-min-bitrate=%d;x-google-max-bitrate=%d", line, minKbps, maxKbps)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\r\n")
}

func intersect(order, set []string) []string {
	var out []string
	for _, v := range order {
		if contains(set, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
