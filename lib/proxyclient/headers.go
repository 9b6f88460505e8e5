package proxyclient

import (
	"github.com/mazen160/go-random"
)

// Profile is one observable browser identity. UserAgent and the client hint
// headers must stay self-consistent: the UA string implies the platform and
// mobile hints the target sites cross-check.
type Profile struct {
	UserAgent string
	SecChUA   string
	Platform  string
	Mobile    bool
}

var profiles = []Profile{
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.6422.113 Safari/537.36",
		SecChUA:   `"Google Chrome";v="125", "Chromium";v="125", "Not.A/Brand";v="24"`,
		Platform:  "Windows",
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 13_5_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.6367.78 Safari/537.36",
		SecChUA:   `"Google Chrome";v="124", "Chromium";v="124", "Not.A/Brand";v="24"`,
		Platform:  "macOS",
	},
	{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.6422.61 Safari/537.36",
		SecChUA:   `"Google Chrome";v="125", "Chromium";v="125", "Not.A/Brand";v="24"`,
		Platform:  "Linux",
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; rv:124.0) Gecko/20100101 Firefox/124.0",
		SecChUA:   `"Chromium";v="125", "Not.A/Brand";v="24"`,
		Platform:  "Windows",
	},
	{
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		SecChUA:   `"Chromium";v="125", "Not.A/Brand";v="24"`,
		Platform:  "iOS",
		Mobile:    true,
	},
	{
		UserAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.6422.113 Mobile Safari/537.36",
		SecChUA:   `"Google Chrome";v="125", "Chromium";v="125", "Not.A/Brand";v="24"`,
		Platform:  "Android",
		Mobile:    true,
	},
	{
		UserAgent: "Mozilla/5.0 (Linux; Android 13; SM-G991B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.6367.78 Mobile Safari/537.36",
		SecChUA:   `"Google Chrome";v="124", "Chromium";v="124", "Not.A/Brand";v="24"`,
		Platform:  "Android",
		Mobile:    true,
	},
}

func randomProfile() Profile {
	i, err := random.IntRange(0, len(profiles))
	if err != nil {
		i = 0
	}
	return profiles[i]
}

// Headers expands the profile into the outbound header set.
func (p Profile) Headers() map[string]string {
	mobile := "?0"
	if p.Mobile {
		mobile = "?1"
	}
	return map[string]string{
		"accept":             "*/*",
		"accept-language":    "en,ru;q=0.9,en-CA;q=0.8,ko;q=0.5",
		"priority":           "u=1, i",
		"sec-fetch-dest":     "empty",
		"sec-fetch-mode":     "cors",
		"sec-fetch-site":     "cross-site",
		"sec-ch-ua":          p.SecChUA,
		"sec-ch-ua-platform": `"` + p.Platform + `"`,
		"sec-ch-ua-mobile":   mobile,
		"user-agent":         p.UserAgent,
	}
}
