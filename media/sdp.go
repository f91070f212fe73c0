package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Opus maxaveragebitrate bounds from RFC 7587. Values outside this
// range are clamped rather than rejected.
const (
	minMaxAverageBitrate = 6000
	maxMaxAverageBitrate = 510000
)

// SetCodecPreferences reorders the payload types of every audio m=
// line so the named codecs come first, in the order given. Codecs not
// listed keep their original relative order after the preferred ones.
// Codec names are matched case-insensitively against rtpmap entries.
func SetCodecPreferences(raw string, codecs []string) (string, error) {
	if len(codecs) == 0 {
		return raw, nil
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	for _, m := range parsed.MediaDescriptions {
		if !strings.EqualFold(m.MediaName.Media, "audio") {
			continue
		}

		byCodec := payloadTypesByCodec(m)
		seen := make(map[string]bool)
		var ordered []string
		for _, codec := range codecs {
			for _, pt := range byCodec[strings.ToLower(codec)] {
				if !seen[pt] {
					ordered = append(ordered, pt)
					seen[pt] = true
				}
			}
		}
		if len(ordered) == 0 {
			continue
		}
		for _, pt := range m.MediaName.Formats {
			if !seen[pt] {
				ordered = append(ordered, pt)
				seen[pt] = true
			}
		}
		m.MediaName.Formats = ordered
	}

	out, err := parsed.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// SetMaxAverageBitrate sets the opus maxaveragebitrate fmtp parameter
// on every audio m= line, clamped to the RFC 7587 range. A
// non-positive bitrate leaves the description unchanged.
func SetMaxAverageBitrate(raw string, bitrate int) (string, error) {
	if bitrate <= 0 {
		return raw, nil
	}
	if bitrate < minMaxAverageBitrate {
		bitrate = minMaxAverageBitrate
	}
	if bitrate > maxMaxAverageBitrate {
		bitrate = maxMaxAverageBitrate
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	value := strconv.Itoa(bitrate)
	for _, m := range parsed.MediaDescriptions {
		if !strings.EqualFold(m.MediaName.Media, "audio") {
			continue
		}

		opusPTs := payloadTypesByCodec(m)["opus"]
		if len(opusPTs) == 0 {
			continue
		}
		isOpus := make(map[string]bool, len(opusPTs))
		for _, pt := range opusPTs {
			isOpus[pt] = true
		}

		updated := make(map[string]bool)
		for i, a := range m.Attributes {
			if a.Key != "fmtp" {
				continue
			}
			fields := strings.SplitN(a.Value, " ", 2)
			if !isOpus[fields[0]] {
				continue
			}
			params := ""
			if len(fields) == 2 {
				params = fields[1]
			}
			m.Attributes[i].Value = fields[0] + " " + upsertFmtpParam(params, "maxaveragebitrate", value)
			updated[fields[0]] = true
		}
		for _, pt := range opusPTs {
			if !updated[pt] {
				m.Attributes = append(m.Attributes, sdp.Attribute{
					Key:   "fmtp",
					Value: pt + " maxaveragebitrate=" + value,
				})
			}
		}
	}

	out, err := parsed.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

// PatchSetupPassive rewrites a=setup:actpass to a=setup:passive so an
// answer built from a renegotiation offer keeps the established DTLS
// roles instead of forcing a new handshake direction.
func PatchSetupPassive(raw string) string {
	return strings.ReplaceAll(raw, "a=setup:actpass", "a=setup:passive")
}

// payloadTypesByCodec maps lowercase codec names to their payload
// types, preserving rtpmap order.
func payloadTypesByCodec(m *sdp.MediaDescription) map[string][]string {
	byCodec := make(map[string][]string)
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		// rtpmap values look like "111 opus/48000/2".
		fields := strings.Fields(a.Value)
		if len(fields) < 2 {
			continue
		}
		name := strings.ToLower(strings.SplitN(fields[1], "/", 2)[0])
		byCodec[name] = append(byCodec[name], fields[0])
	}
	return byCodec
}

// upsertFmtpParam replaces key=value inside a semicolon-separated fmtp
// parameter list, appending it when absent.
func upsertFmtpParam(params, key, value string) string {
	if params == "" {
		return key + "=" + value
	}
	parts := strings.Split(params, ";")
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if strings.HasPrefix(trimmed, key+"=") {
			parts[i] = key + "=" + value
			for j := range parts {
				parts[j] = strings.TrimSpace(parts[j])
			}
			return strings.Join(parts, ";")
		}
	}
	return params + ";" + key + "=" + value
}
