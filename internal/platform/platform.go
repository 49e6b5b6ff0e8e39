package platform

import (
	"net/url"
	"strings"
)

// Platform identifies a supported video source. The set is closed: admission
// rejects URLs that do not map onto one of these values.
type Platform string

const (
	YouTube     Platform = "youtube"
	Vimeo       Platform = "vimeo"
	Twitch      Platform = "twitch"
	Dailymotion Platform = "dailymotion"
)

// Supported returns every platform admission accepts.
func Supported() []Platform {
	return []Platform{YouTube, Vimeo, Twitch, Dailymotion}
}

// hostMap keys are bare registrable domains; FromURL matches the host itself
// or any subdomain of it.
var hostMap = map[string]Platform{
	"youtube.com":     YouTube,
	"youtu.be":        YouTube,
	"vimeo.com":       Vimeo,
	"twitch.tv":       Twitch,
	"dailymotion.com": Dailymotion,
	"dai.ly":          Dailymotion,
}

// FromURL derives the platform from a video page URL. The second return value
// is false when the URL is unparseable or the host is not in the supported set.
func FromURL(raw string) (Platform, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	for domain, p := range hostMap {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return p, true
		}
	}
	return "", false
}
