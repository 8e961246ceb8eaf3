package fetch

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// maxLoginAttempts allows one retry after a failed CAPTCHA solve.
const maxLoginAttempts = 2

// BrowserStrategy fetches pages as a logged-in user. It only applies to
// domains with a registered LoginHandler.
type BrowserStrategy struct {
	factory     SessionFactory
	solver      CaptchaSolver
	costPerPage float64

	mu       sync.Mutex
	handlers map[string]LoginHandler
	sessions map[string]Session
}

// NewBrowser creates a BrowserStrategy. solver may be nil.
func NewBrowser(factory SessionFactory, solver CaptchaSolver, costPerPage float64, handlers ...LoginHandler) *BrowserStrategy {
	b := &BrowserStrategy{
		factory:     factory,
		solver:      solver,
		costPerPage: costPerPage,
		handlers:    make(map[string]LoginHandler),
		sessions:    make(map[string]Session),
	}
	for _, h := range handlers {
		b.Register(h)
	}
	return b
}

// Register adds a login handler for its domain.
func (b *BrowserStrategy) Register(h LoginHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[strings.ToLower(h.Domain())] = h
}

func (b *BrowserStrategy) Name() string { return "browser" }

func (b *BrowserStrategy) Applies(target *url.URL) bool {
	_, ok := b.handlerFor(target.Hostname())
	return ok
}

// handlerFor matches host against registered domains, including subdomains.
func (b *BrowserStrategy) handlerFor(host string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	host = strings.ToLower(host)
	for domain := range b.handlers {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return domain, true
		}
	}
	return "", false
}

func (b *BrowserStrategy) Fetch(ctx context.Context, target *url.URL) (*Result, error) {
	start := time.Now()
	domain, ok := b.handlerFor(target.Hostname())
	if !ok {
		return nil, eris.Errorf("fetch: no login handler for %s", target.Hostname())
	}

	sess, loginCost, err := b.session(ctx, domain)
	if err != nil {
		return nil, err
	}

	if err := sess.Navigate(ctx, target.String()); err != nil {
		b.drop(domain)
		return nil, eris.Wrapf(err, "fetch: browser navigate %s", target)
	}
	html, err := sess.HTML(ctx)
	if err != nil {
		b.drop(domain)
		return nil, eris.Wrap(err, "fetch: browser read page")
	}
	title, _ := sess.Title(ctx)
	if title == "" {
		title = ExtractTitle(html)
	}

	return &Result{
		URL:        target.String(),
		FinalURL:   target.String(),
		Title:      title,
		Content:    StripHTML(html),
		StatusCode: 200,
		CostUSD:    b.costPerPage + loginCost,
		Duration:   time.Since(start),
	}, nil
}

// session returns a verified session for domain, logging in when the cached
// one is missing or stale. The returned cost covers any CAPTCHA solved.
func (b *BrowserStrategy) session(ctx context.Context, domain string) (Session, float64, error) {
	b.mu.Lock()
	handler := b.handlers[domain]
	sess := b.sessions[domain]
	b.mu.Unlock()

	if sess != nil {
		ok, err := handler.VerifySession(ctx, sess)
		if err == nil && ok {
			return sess, 0, nil
		}
		zap.L().Debug("fetch: cached browser session stale", zap.String("domain", domain), zap.Error(err))
	} else {
		var err error
		sess, err = b.factory(ctx)
		if err != nil {
			return nil, 0, eris.Wrap(err, "fetch: open browser session")
		}
	}

	var cost float64
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		res, err := handler.Login(ctx, sess, b.solver)
		if err != nil {
			b.closeSession(domain, sess)
			return nil, cost, eris.Wrapf(err, "fetch: login to %s", domain)
		}
		cost += res.CaptchaCostUSD
		if res.Success {
			b.mu.Lock()
			b.sessions[domain] = sess
			b.mu.Unlock()
			return sess, cost, nil
		}
		if res.CaptchaEncountered && !res.CaptchaSolved && attempt < maxLoginAttempts {
			zap.L().Info("fetch: captcha solve failed, retrying login",
				zap.String("domain", domain),
				zap.String("captcha_type", res.CaptchaType),
				zap.String("error", res.Error),
			)
			continue
		}
		b.closeSession(domain, sess)
		return nil, cost, eris.Errorf("fetch: login to %s failed: %s", domain, res.Error)
	}
	b.closeSession(domain, sess)
	return nil, cost, eris.Errorf("fetch: login to %s failed after %d attempts", domain, maxLoginAttempts)
}

func (b *BrowserStrategy) drop(domain string) {
	b.mu.Lock()
	sess := b.sessions[domain]
	delete(b.sessions, domain)
	b.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (b *BrowserStrategy) closeSession(domain string, sess Session) {
	b.mu.Lock()
	if b.sessions[domain] == sess {
		delete(b.sessions, domain)
	}
	b.mu.Unlock()
	_ = sess.Close()
}

// Close shuts down every cached browser session.
func (b *BrowserStrategy) Close() error {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]Session)
	b.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}
