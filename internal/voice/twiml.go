package voice

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// StreamURL converts the public base URL into the media stream WebSocket URL.
// It returns "" when publicURL is empty or unparsable.
func StreamURL(publicURL, streamPath string) string {
	if publicURL == "" {
		return ""
	}
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	if streamPath == "" {
		streamPath = "/twilio"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, streamPath)
}

// ConnectStreamTwiML returns TwiML that bridges the call audio to streamURL.
// Parameters are delivered to the stream in start.customParameters.
func ConnectStreamTwiML(streamURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("\n<Response>\n  <Connect>\n")
	if len(params) == 0 {
		fmt.Fprintf(&b, "    <Stream url=\"%s\" />\n", escapeXML(streamURL))
	} else {
		fmt.Fprintf(&b, "    <Stream url=\"%s\">\n", escapeXML(streamURL))
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "      <Parameter name=\"%s\" value=\"%s\" />\n", escapeXML(k), escapeXML(params[k]))
		}
		b.WriteString("    </Stream>\n")
	}
	b.WriteString("  </Connect>\n</Response>")
	return b.String()
}

// HangupTwiML ends the call when fetched.
func HangupTwiML() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
}

// EmptyTwiML acknowledges a webhook without changing the call.
func EmptyTwiML() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
}

func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"'", "&apos;",
		"\"", "&quot;",
	)
	return r.Replace(s)
}
