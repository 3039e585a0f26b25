package install

import (
	"net/http"
	"regexp"
	"strings"
)

var (
	mobileRe = regexp.MustCompile(`(?i)iPhone|iPad|iPod|Android`)
	iosRe    = regexp.MustCompile(`iPhone|iPad|iPod`)
	chromeRe = regexp.MustCompile(`Chrome`)
	safariRe = regexp.MustCompile(`Safari`)
	googleRe = regexp.MustCompile(`Google Inc`)

	// Chromium forks that report "Chrome" in their UA but are not Chrome.
	chromiumForkRe = regexp.MustCompile(`Edg/|OPR/|SamsungBrowser/|YaBrowser/`)
)

// Environment is what the page can learn about the browser it runs in.
type Environment struct {
	UserAgent string
	Vendor    string

	// Protocol is the page's URL scheme, with or without the trailing colon.
	// Empty means it could not be determined.
	Protocol      string
	ServiceWorker bool
	Standalone    bool
}

func (e Environment) known() bool { return strings.TrimSpace(e.UserAgent) != "" }

func (e Environment) protocol() string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(e.Protocol)), ":")
}

// Secure reports whether the page was served over https.
func (e Environment) Secure() bool { return e.protocol() == "https" }

func (e Environment) Mobile() bool { return mobileRe.MatchString(e.UserAgent) }

func (e Environment) IOS() bool { return iosRe.MatchString(e.UserAgent) }

func (e Environment) Chrome() bool {
	return chromeRe.MatchString(e.UserAgent) && googleRe.MatchString(e.Vendor)
}

func (e Environment) Safari() bool {
	return safariRe.MatchString(e.UserAgent) && !chromeRe.MatchString(e.UserAgent)
}

const (
	msgCannotInstall  = "This app cannot be installed right now. "
	msgNeedsHTTPS     = "PWAs require HTTPS. "
	msgMobileChrome   = `Try using "Add to Home Screen" from the Chrome menu (three dots).`
	msgMobileSafari   = `Try using "Add to Home Screen" from the Safari share menu.`
	msgMobileGeneric  = `Try using "Add to Home Screen" from your browser menu.`
	msgDesktop        = "On desktop, use Chrome and look for the install icon in the address bar."
	msgInstalledToast = "App installed successfully!"
)

// Instructions explains how to install the app by hand when no install offer
// is available. An environment that could not be inspected gets the generic
// browser-menu hint.
func Instructions(env Environment) string {
	var b strings.Builder
	b.WriteString(msgCannotInstall)
	if p := env.protocol(); p != "" && p != "https" {
		b.WriteString(msgNeedsHTTPS)
	}
	switch {
	case !env.known():
		b.WriteString(msgMobileGeneric)
	case env.Mobile() && env.Chrome():
		b.WriteString(msgMobileChrome)
	case env.Mobile() && env.Safari() && env.IOS():
		b.WriteString(msgMobileSafari)
	case env.Mobile():
		b.WriteString(msgMobileGeneric)
	default:
		b.WriteString(msgDesktop)
	}
	return b.String()
}

// EnvironmentFromRequest reconstructs the client environment from an HTTP
// request as seen behind a proxy. Browsers do not send navigator.vendor, so
// it is read from X-Client-Vendor or inferred from a genuine Chrome UA.
func EnvironmentFromRequest(r *http.Request) Environment {
	ua := r.UserAgent()
	env := Environment{
		UserAgent:     ua,
		Vendor:        r.Header.Get("X-Client-Vendor"),
		ServiceWorker: true,
	}
	if env.Vendor == "" && chromeRe.MatchString(ua) && !chromiumForkRe.MatchString(ua) {
		env.Vendor = "Google Inc."
	}
	switch {
	case r.Header.Get("X-Forwarded-Proto") != "":
		env.Protocol = strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0])
	case r.TLS != nil:
		env.Protocol = "https"
	default:
		env.Protocol = "http"
	}
	return env
}
