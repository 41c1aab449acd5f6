package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

var lowSignalPhrases = []string{"cookie", "sign up", "pricing", "terms of service", "login"}

// RelevanceScore estimates how likely text is a real article, in [0, 1].
// Text shorter than minChars scores 0.
func RelevanceScore(text string, minChars int) float64 {
	n := len([]rune(text))
	if n < minChars {
		return 0
	}
	lower := strings.ToLower(text)
	penalty := 0
	for _, phrase := range lowSignalPhrases {
		if strings.Contains(lower, phrase) {
			penalty++
		}
	}
	score := 0.65 - 0.05*float64(penalty) + min(0.35, float64(n)/10000)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

// SelectImage picks the image to offer for review from the scraped assets.
// Only assets returned by the scraper are candidates. A page's og:image or
// twitter:image wins when it is among them; otherwise same-host assets come
// first, then larger width×height.
func SelectImage(articleURL string, assets []Asset, metadata map[string]string) *ImageSelection {
	if len(assets) == 0 {
		return nil
	}
	for _, key := range []string{"og:image", "twitter:image"} {
		want := strings.TrimSpace(metadata[key])
		if want == "" {
			continue
		}
		for _, a := range assets {
			if a.URL == want {
				return &ImageSelection{ImageURL: a.URL, Caption: a.AltText, Source: "scrape"}
			}
		}
	}

	host := hostOf(articleURL)
	ranked := make([]Asset, 0, len(assets))
	for _, a := range assets {
		if a.URL != "" {
			ranked = append(ranked, a)
		}
	}
	if len(ranked) == 0 {
		return nil
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := hostOf(ranked[i].URL) == host, hostOf(ranked[j].URL) == host
		if si != sj {
			return si
		}
		return ranked[i].Width*ranked[i].Height > ranked[j].Width*ranked[j].Height
	})
	best := ranked[0]
	return &ImageSelection{ImageURL: best.URL, Caption: best.AltText, Source: "scrape"}
}

// scrapedAsset reports whether imageURL is one of assets.
func scrapedAsset(imageURL string, assets []Asset) bool {
	for _, a := range assets {
		if a.URL == imageURL {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// validArticleURL accepts absolute http and https URLs with a host.
func validArticleURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// NormalizeURL canonicalizes an article URL for idempotency: it trims space,
// lowercases scheme and host, and drops the fragment and a trailing slash.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// IdempotencyKey identifies a create request by owner and normalized URL.
func IdempotencyKey(ownerID, articleURL string) string {
	sum := sha256.Sum256([]byte(ownerID + "|" + NormalizeURL(articleURL)))
	return hex.EncodeToString(sum[:])
}

// friendlyReason turns a delegate failure into the text shown to the owner.
func friendlyReason(reason string) string {
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "402") || strings.Contains(lower, "credit") {
		return "Platform credits depleted"
	}
	if reason == "" {
		return "unknown error"
	}
	return reason
}
