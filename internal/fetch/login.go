package fetch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// LoginResult reports how a login attempt went.
type LoginResult struct {
	Success            bool
	Error              string
	CaptchaEncountered bool
	CaptchaSolved      bool
	CaptchaType        string
	CaptchaCostUSD     float64
}

// LoginHandler authenticates a browser session against one domain.
type LoginHandler interface {
	Domain() string
	// Login drives session through the login flow. solver may be nil.
	Login(ctx context.Context, s Session, solver CaptchaSolver) (*LoginResult, error)
	VerifySession(ctx context.Context, s Session) (bool, error)
}

// FormLogin holds the selectors and credentials for a form-based login.
type FormLogin struct {
	Domain           string
	LoginURL         string
	Username         string
	Password         string
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	// At least one of LoggedInSelector or SessionCookie must be set.
	LoggedInSelector string
	SessionCookie    string
	// CaptchaSelector matches the element carrying data-sitekey.
	CaptchaSelector string
}

// FormLoginHandler logs in by filling and submitting an HTML form.
type FormLoginHandler struct {
	cfg FormLogin
}

// NewFormLoginHandler validates cfg and returns a handler.
func NewFormLoginHandler(cfg FormLogin) (*FormLoginHandler, error) {
	if cfg.Domain == "" || cfg.LoginURL == "" {
		return nil, eris.New("fetch: form login needs domain and login url")
	}
	if cfg.UsernameSelector == "" || cfg.PasswordSelector == "" || cfg.SubmitSelector == "" {
		return nil, eris.Errorf("fetch: form login for %s needs username, password and submit selectors", cfg.Domain)
	}
	if cfg.LoggedInSelector == "" && cfg.SessionCookie == "" {
		return nil, eris.Errorf("fetch: form login for %s needs a logged-in selector or session cookie", cfg.Domain)
	}
	return &FormLoginHandler{cfg: cfg}, nil
}

func (h *FormLoginHandler) Domain() string { return h.cfg.Domain }

func (h *FormLoginHandler) Login(ctx context.Context, s Session, solver CaptchaSolver) (*LoginResult, error) {
	res := &LoginResult{}

	if err := s.Navigate(ctx, h.cfg.LoginURL); err != nil {
		return nil, eris.Wrapf(err, "fetch: open login page for %s", h.cfg.Domain)
	}
	if err := s.WaitVisible(ctx, h.cfg.UsernameSelector); err != nil {
		return nil, eris.Wrapf(err, "fetch: login form for %s", h.cfg.Domain)
	}

	if h.cfg.CaptchaSelector != "" {
		ch, err := h.detectCaptcha(ctx, s)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			res.CaptchaEncountered = true
			res.CaptchaType = ch.Type
			if solver == nil {
				res.Error = "captcha present but no solver configured"
				return res, nil
			}
			sol, err := solver.Solve(ctx, *ch)
			if err != nil {
				res.Error = err.Error()
				return res, nil
			}
			res.CaptchaCostUSD = sol.CostUSD
			if err := h.injectToken(ctx, s, ch.Type, sol.Token); err != nil {
				res.Error = err.Error()
				return res, nil
			}
			res.CaptchaSolved = true
		}
	}

	if err := s.SetValue(ctx, h.cfg.UsernameSelector, h.cfg.Username); err != nil {
		return nil, eris.Wrap(err, "fetch: fill username")
	}
	if err := s.SetValue(ctx, h.cfg.PasswordSelector, h.cfg.Password); err != nil {
		return nil, eris.Wrap(err, "fetch: fill password")
	}
	if err := s.Click(ctx, h.cfg.SubmitSelector); err != nil {
		return nil, eris.Wrap(err, "fetch: submit login form")
	}

	ok, err := h.VerifySession(ctx, s)
	if err != nil {
		return nil, err
	}
	res.Success = ok
	if !ok {
		res.Error = "session indicator not present after submit"
	}
	zap.L().Debug("fetch: login attempt",
		zap.String("domain", h.cfg.Domain),
		zap.Bool("success", res.Success),
		zap.Bool("captcha", res.CaptchaEncountered),
	)
	return res, nil
}

// VerifySession checks the logged-in DOM indicator, then the session cookie.
func (h *FormLoginHandler) VerifySession(ctx context.Context, s Session) (bool, error) {
	if h.cfg.LoggedInSelector != "" {
		var present bool
		js := fmt.Sprintf("document.querySelector(%s) !== null", strconv.Quote(h.cfg.LoggedInSelector))
		if err := s.Evaluate(ctx, js, &present); err != nil {
			return false, eris.Wrap(err, "fetch: check logged-in indicator")
		}
		if present {
			return true, nil
		}
	}
	if h.cfg.SessionCookie != "" {
		cookies, err := s.Cookies(ctx)
		if err != nil {
			return false, eris.Wrap(err, "fetch: read cookies")
		}
		for _, c := range cookies {
			if c.Name == h.cfg.SessionCookie && c.Value != "" {
				return true, nil
			}
		}
	}
	return false, nil
}

func (h *FormLoginHandler) detectCaptcha(ctx context.Context, s Session) (*CaptchaChallenge, error) {
	var info string
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "";
		const cls = (el.className || "").toString();
		return (el.getAttribute("data-sitekey") || "") + "|" + cls;
	})()`, strconv.Quote(h.cfg.CaptchaSelector))
	if err := s.Evaluate(ctx, js, &info); err != nil {
		return nil, eris.Wrap(err, "fetch: detect captcha")
	}
	siteKey, class, _ := strings.Cut(info, "|")
	if siteKey == "" {
		return nil, nil
	}
	return &CaptchaChallenge{
		Type:    captchaType(class),
		SiteKey: siteKey,
		PageURL: h.cfg.LoginURL,
	}, nil
}

func captchaType(class string) string {
	lower := strings.ToLower(class)
	switch {
	case strings.Contains(lower, "h-captcha"):
		return "hcaptcha"
	case strings.Contains(lower, "cf-turnstile"):
		return "turnstile"
	default:
		return "recaptcha_v2"
	}
}

func (h *FormLoginHandler) injectToken(ctx context.Context, s Session, kind, token string) error {
	field := "g-recaptcha-response"
	switch kind {
	case "hcaptcha":
		field = "h-captcha-response"
	case "turnstile":
		field = "cf-turnstile-response"
	}
	js := fmt.Sprintf(`(() => {
		let el = document.querySelector('[name="%s"]');
		if (!el) {
			el = document.createElement("textarea");
			el.name = %s;
			el.style.display = "none";
			(document.querySelector("form") || document.body).appendChild(el);
		}
		el.value = %s;
		return true;
	})()`, field, strconv.Quote(field), strconv.Quote(token))
	var ok bool
	if err := s.Evaluate(ctx, js, &ok); err != nil {
		return eris.Wrap(err, "fetch: inject captcha token")
	}
	return nil
}
