package source

import (
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/fetch"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/pkg/anthropic"
	"github.com/deadonfilm/enrich-cli/pkg/captcha"
	"github.com/deadonfilm/enrich-cli/pkg/jina"
	"github.com/deadonfilm/enrich-cli/pkg/perplexity"
	"github.com/deadonfilm/enrich-cli/pkg/wayback"
	"github.com/deadonfilm/enrich-cli/pkg/wikidata"
)

// Deps are the clients the concrete sources call. Nil clients leave their
// source registered but unavailable.
type Deps struct {
	Anthropic  anthropic.Client
	Perplexity perplexity.Client
	Jina       jina.Client
	Wikidata   wikidata.Client
	Fetcher    PageFetcher
	Calc       *cost.Calculator
}

// DepsFromConfig builds API clients for every source with credentials.
func DepsFromConfig(cfg *config.Config, fetcher PageFetcher) Deps {
	d := Deps{
		Fetcher: fetcher,
		Calc:    cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing)),
	}
	if cfg.Anthropic.Key != "" {
		d.Anthropic = anthropic.NewClient(cfg.Anthropic.Key)
	}
	if cfg.Perplexity.Key != "" {
		var opts []perplexity.Option
		if cfg.Perplexity.Model != "" {
			opts = append(opts, perplexity.WithModel(cfg.Perplexity.Model))
		}
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		d.Perplexity = perplexity.NewClient(cfg.Perplexity.Key, opts...)
	}
	if cfg.Jina.Key != "" {
		var opts []jina.Option
		if cfg.Jina.SearchBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		d.Jina = jina.NewClient(cfg.Jina.Key, opts...)
	}
	if cfg.Wikidata.Enabled {
		var opts []wikidata.Option
		if cfg.Wikidata.Endpoint != "" {
			opts = append(opts, wikidata.WithEndpoint(cfg.Wikidata.Endpoint))
		}
		if cfg.Wikidata.UserAgent != "" {
			opts = append(opts, wikidata.WithUserAgent(cfg.Wikidata.UserAgent))
		}
		d.Wikidata = wikidata.NewClient(opts...)
	}
	return d
}

// Performers returns the built-in order: structured reference data first,
// configured sites next, then search and AI sources.
func Performers(cfg *config.Config, deps Deps) ([]Performer, error) {
	calc := deps.Calc
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}

	out := []Performer{NewWikidata(deps.Wikidata, cfg.Wikidata.Enabled)}
	for _, sc := range cfg.Sources.Sites {
		site, err := pageSite(sc)
		if err != nil {
			return nil, err
		}
		p, err := NewPage(site, deps.Fetcher)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	out = append(out,
		NewJinaSearch(deps.Jina, calc),
		NewPerplexity(deps.Perplexity, calc, cfg.Perplexity.Model),
		NewClaude(deps.Anthropic, calc, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens),
	)
	return out, nil
}

// BuildRegistry assembles the registry, applying the registry file when set.
func BuildRegistry(cfg *config.Config, deps Deps) (*Registry, error) {
	performers, err := Performers(cfg, deps)
	if err != nil {
		return nil, err
	}
	var rc *RegistryConfig
	if cfg.Sources.RegistryFile != "" {
		rc, err = LoadRegistryConfig(cfg.Sources.RegistryFile)
		if err != nil {
			return nil, err
		}
	}
	return ApplyConfig(performers, rc)
}

func pageSite(sc config.SiteConfig) (PageSite, error) {
	tier := model.TierSecondaryNews
	if sc.Tier != "" {
		t, err := model.ParseReliabilityTier(sc.Tier)
		if err != nil {
			return PageSite{}, eris.Wrapf(err, "source: site %s", sc.Type)
		}
		tier = t
	}
	return PageSite{
		Type:          model.SourceType(sc.Type),
		Name:          sc.Name,
		Tier:          tier,
		URLTemplate:   sc.URLTemplate,
		CostPerQuery:  sc.CostPerQuery,
		MinDelay:      time.Duration(sc.MinDelayMs) * time.Millisecond,
		Timeout:       time.Duration(sc.TimeoutSecs) * time.Second,
		RequiresLogin: sc.RequiresLogin,
	}, nil
}

// NewFetcher builds the direct → archive → browser chain. The browser
// strategy is added only when enabled and at least one site requires a
// login. The returned close func releases browser sessions.
func NewFetcher(cfg *config.Config, calc *cost.Calculator) (*fetch.Fetcher, func() error, error) {
	directOpts := []fetch.DirectOption{}
	if cfg.Fetch.UserAgent != "" {
		directOpts = append(directOpts, fetch.WithUserAgent(cfg.Fetch.UserAgent))
	}
	if cfg.Fetch.MaxBodyBytes > 0 {
		directOpts = append(directOpts, fetch.WithMaxBodyBytes(cfg.Fetch.MaxBodyBytes))
	}
	if cfg.Fetch.TimeoutSecs > 0 {
		directOpts = append(directOpts, fetch.WithTimeout(time.Duration(cfg.Fetch.TimeoutSecs)*time.Second))
	}
	direct := fetch.NewDirect(directOpts...)

	var wbOpts []wayback.Option
	if cfg.Wayback.BaseURL != "" {
		wbOpts = append(wbOpts, wayback.WithBaseURL(cfg.Wayback.BaseURL))
	}
	strategies := []fetch.Strategy{direct, fetch.NewArchive(wayback.NewClient(wbOpts...), direct)}
	closeFn := func() error { return nil }

	handlers, err := loginHandlers(cfg.Sources.Sites)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Browser.Enabled && len(handlers) > 0 {
		var solver fetch.CaptchaSolver
		if cfg.Captcha.Key != "" {
			var capOpts []captcha.Option
			if cfg.Captcha.BaseURL != "" {
				capOpts = append(capOpts, captcha.WithBaseURL(cfg.Captcha.BaseURL))
			}
			solver = fetch.NewTwoCaptchaSolver(
				captcha.NewClient(cfg.Captcha.Key, capOpts...),
				calc.Flat(cost.CaptchaSolve),
				time.Duration(cfg.Captcha.PollIntervalSecs)*time.Second,
				time.Duration(cfg.Captcha.TimeoutSecs)*time.Second,
			)
		}
		factory := fetch.NewChromeSessionFactory(fetch.BrowserOptions{
			ExecPath:  cfg.Browser.ExecPath,
			Headless:  cfg.Browser.Headless,
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   time.Duration(cfg.Browser.TimeoutSecs) * time.Second,
		})
		browser := fetch.NewBrowser(factory, solver, calc.Flat(cost.BrowserPage), handlers...)
		strategies = append(strategies, browser)
		closeFn = browser.Close
	} else if len(handlers) > 0 {
		zap.L().Warn("source: login sites configured but browser disabled",
			zap.Int("sites", len(handlers)),
		)
	}

	return fetch.New(strategies...), closeFn, nil
}

func loginHandlers(sites []config.SiteConfig) ([]fetch.LoginHandler, error) {
	var out []fetch.LoginHandler
	for _, sc := range sites {
		if !sc.RequiresLogin {
			continue
		}
		domain, err := siteDomain(sc)
		if err != nil {
			return nil, err
		}
		h, err := fetch.NewFormLoginHandler(fetch.FormLogin{
			Domain:           domain,
			LoginURL:         sc.Login.LoginURL,
			Username:         sc.Login.Username,
			Password:         sc.Login.Password,
			UsernameSelector: sc.Login.UsernameSelector,
			PasswordSelector: sc.Login.PasswordSelector,
			SubmitSelector:   sc.Login.SubmitSelector,
			LoggedInSelector: sc.Login.LoggedInSelector,
			SessionCookie:    sc.Login.SessionCookie,
			CaptchaSelector:  sc.Login.CaptchaSelector,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "source: site %s login", sc.Type)
		}
		out = append(out, h)
	}
	return out, nil
}

// siteDomain derives the registrable host of a site from its URL template.
func siteDomain(sc config.SiteConfig) (string, error) {
	raw := strings.NewReplacer("{name}", "x", "{slug}", "x", "{year}", "2000", "{imdb}", "nm0").Replace(sc.URLTemplate)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", eris.Errorf("source: site %s: cannot derive domain from %q", sc.Type, sc.URLTemplate)
	}
	return strings.TrimPrefix(u.Hostname(), "www."), nil
}
