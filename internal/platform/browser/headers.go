package browser

import "math/rand/v2"

// HeaderProfile is a coherent browser identity applied to every new page.
type HeaderProfile struct {
	UserAgent       string
	AcceptLanguage  string
	SecChUa         string
	SecChUaPlatform string
}

// DesktopProfiles match the Chromium build driven by playwright, so the
// user agent and client hints agree with what the engine actually renders.
var DesktopProfiles = []HeaderProfile{
	{
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaPlatform: `"macOS"`,
	},
	{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaPlatform: `"Windows"`,
	},
	{
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.8",
		SecChUa:         `"Chromium";v="131", "Not_A Brand";v="24"`,
		SecChUaPlatform: `"Linux"`,
	},
}

// Headers returns the extra request headers for the profile. The user agent
// is set separately on the page.
func (p HeaderProfile) Headers() map[string]string {
	h := map[string]string{"Sec-CH-UA-Mobile": "?0"}
	if p.AcceptLanguage != "" {
		h["Accept-Language"] = p.AcceptLanguage
	}
	if p.SecChUa != "" {
		h["Sec-CH-UA"] = p.SecChUa
	}
	if p.SecChUaPlatform != "" {
		h["Sec-CH-UA-Platform"] = p.SecChUaPlatform
	}
	return h
}

// pickProfile returns a random profile, or the zero profile for an empty set.
func pickProfile(profiles []HeaderProfile) HeaderProfile {
	if len(profiles) == 0 {
		return HeaderProfile{}
	}
	return profiles[rand.IntN(len(profiles))]
}
