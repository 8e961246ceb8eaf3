package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/internal/cost"
	"github.com/deadonfilm/enrich-cli/internal/fetch"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
	"github.com/deadonfilm/enrich-cli/pkg/anthropic"
	"github.com/deadonfilm/enrich-cli/pkg/jina"
	"github.com/deadonfilm/enrich-cli/pkg/perplexity"
	"github.com/deadonfilm/enrich-cli/pkg/wikidata"
)

type mockAnthropic struct{ mock.Mock }

func (m *mockAnthropic) Ask(ctx context.Context, p anthropic.Prompt) (*anthropic.Reply, error) {
	args := m.Called(ctx, p)
	if r := args.Get(0); r != nil {
		return r.(*anthropic.Reply), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockJina struct{ mock.Mock }

func (m *mockJina) Search(ctx context.Context, req jina.Request) (*jina.Results, error) {
	args := m.Called(ctx, req.Query)
	if r := args.Get(0); r != nil {
		return r.(*jina.Results), args.Error(1)
	}
	return nil, args.Error(1)
}

type fakeWikidata struct {
	person *wikidata.Person
	err    error
	byQID  string
	byIMDb string
}

func (f *fakeWikidata) ByIMDbID(_ context.Context, nconst string) (*wikidata.Person, error) {
	f.byIMDb = nconst
	return f.person, f.err
}

func (f *fakeWikidata) ByQID(_ context.Context, qid string) (*wikidata.Person, error) {
	f.byQID = qid
	return f.person, f.err
}

type fakeFetcher struct {
	res  *fetch.Result
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*fetch.Result, error) {
	f.urls = append(f.urls, rawURL)
	return f.res, f.err
}

func calc() *cost.Calculator { return cost.NewCalculator(cost.DefaultRates()) }

const sonnet = "claude-sonnet-4-5-20250929"

func TestClaude_Found(t *testing.T) {
	m := &mockAnthropic{}
	m.On("Ask", mock.Anything, mock.MatchedBy(func(p anthropic.Prompt) bool {
		return p.Model == sonnet && p.System != "" && p.SystemTTL == "1h" && p.User != ""
	})).Return(&anthropic.Reply{
		Text:  "```json\n{\"cause\":\"pancreatic cancer\",\"circumstances\":\"Doe died at home after a long battle with pancreatic cancer.\",\"confidence\":\"low\"}\n```",
		Usage: anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200},
	}, nil)

	src := Wrap(NewClaude(m, calc(), sonnet, 512))
	res, err := src.Lookup(context.Background(), subject())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "pancreatic cancer", res.Data.CauseOfDeath)
	assert.True(t, res.Entry.SelfReportedLow)
	assert.InDelta(t, 0.003+0.003, res.Entry.CostUSD, 1e-9)
	assert.Equal(t, model.TierAIModel, src.Descriptor().ReliabilityTier)
	m.AssertExpectations(t)
}

func TestClaude_UnknownIsNotFound(t *testing.T) {
	m := &mockAnthropic{}
	m.On("Ask", mock.Anything, mock.Anything).Return(&anthropic.Reply{
		Text:  `{"unknown":true}`,
		Usage: anthropic.TokenUsage{InputTokens: 1000},
	}, nil)

	res, err := Wrap(NewClaude(m, calc(), sonnet, 0)).Lookup(context.Background(), subject())
	require.NoError(t, err)
	assert.True(t, res.IsNotFound())
	assert.Greater(t, res.Entry.CostUSD, 0.0)
}

func TestClaude_UnparseableFails(t *testing.T) {
	m := &mockAnthropic{}
	m.On("Ask", mock.Anything, mock.Anything).Return(&anthropic.Reply{
		Text:  "I'm not sure who that is.",
		Usage: anthropic.TokenUsage{InputTokens: 200_000, OutputTokens: 50_000},
	}, nil)

	res, err := Wrap(NewClaude(m, calc(), sonnet, 0)).Lookup(context.Background(), subject())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.IsNotFound())
	assert.NotEmpty(t, res.Error)
	// 0.6 in plus 0.75 out, billed even though the reply was unusable
	assert.InDelta(t, 1.35, res.Entry.CostUSD, 1e-9)
}

func TestClaude_Unavailable(t *testing.T) {
	assert.False(t, NewClaude(nil, calc(), sonnet, 0).IsAvailable())
}

func TestPerplexity_CitationsAndRateLimit(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        "p1",
			"citations": []string{"https://variety.com/jane-doe", "https://nytimes.com/jane-doe"},
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": `{"cause":"pancreatic cancer","location":"Los Angeles","confidence":"high"}`},
			}},
		})
	}))
	defer srv.Close()

	client := perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL))
	src := Wrap(NewPerplexity(client, calc(), "sonar-pro"))

	res, err := src.Lookup(context.Background(), subject())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "https://variety.com/jane-doe", res.Entry.URL)
	assert.Equal(t, []string{"https://variety.com/jane-doe", "https://nytimes.com/jane-doe"}, res.Data.Sources)
	assert.Equal(t, 0.005, res.Entry.CostUSD)

	status = http.StatusTooManyRequests
	_, err = src.Lookup(context.Background(), subject())
	assert.True(t, IsAccessBlocked(err))

	status = http.StatusServiceUnavailable
	res, err = src.Lookup(context.Background(), subject())
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestPerplexity_UnparseableReplyKeepsCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "p2",
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "I could not find anything about that person."},
			}},
		})
	}))
	defer srv.Close()

	client := perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL))
	res, err := Wrap(NewPerplexity(client, calc(), "sonar-pro")).Lookup(context.Background(), subject())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.IsNotFound())
	assert.Equal(t, 0.005, res.Entry.CostUSD)
}

func TestJinaSearch_ExtractsSnippets(t *testing.T) {
	m := &mockJina{}
	m.On("Search", mock.Anything, `"Jane Doe" died 2020 cause of death`).Return(&jina.Results{
		Hits: []jina.Hit{
			{URL: "https://example.com/unrelated", Content: "A recipe for lemon cake that has nothing relevant."},
			{URL: "https://variety.com/jane-doe", Content: "Doe died of pancreatic cancer at her home in Los Angeles. She was 80."},
		},
	}, nil)

	res, err := Wrap(NewJinaSearch(m, calc())).Lookup(context.Background(), subject())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "pancreatic cancer", res.Data.CauseOfDeath)
	assert.Equal(t, "Los Angeles", res.Data.Location)
	assert.Equal(t, "https://variety.com/jane-doe", res.Entry.URL)
	assert.Equal(t, []string{"https://variety.com/jane-doe"}, res.Data.Sources)
	m.AssertExpectations(t)
}

func TestJinaSearch_NoResults(t *testing.T) {
	m := &mockJina{}
	m.On("Search", mock.Anything, mock.Anything).Return(&jina.Results{}, nil)

	res, err := Wrap(NewJinaSearch(m, calc())).Lookup(context.Background(), subject())
	require.NoError(t, err)
	assert.True(t, res.IsNotFound())
}

func TestJinaSearch_Blocked(t *testing.T) {
	m := &mockJina{}
	m.On("Search", mock.Anything, mock.Anything).Return(nil, &jina.StatusError{StatusCode: 403})

	_, err := Wrap(NewJinaSearch(m, calc())).Lookup(context.Background(), subject())
	assert.True(t, IsAccessBlocked(err))
}

func TestWikidata(t *testing.T) {
	f := &fakeWikidata{person: &wikidata.Person{
		QID:           "Q1",
		CausesOfDeath: []string{"pancreatic cancer"},
		MannerOfDeath: "natural causes",
		PlaceOfDeath:  "Los Angeles",
		Article:       "https://en.wikipedia.org/wiki/Jane_Doe",
	}}
	src := Wrap(NewWikidata(f, true))

	res, err := src.Lookup(context.Background(), subject())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "nm0000042", f.byIMDb)
	assert.Equal(t, "pancreatic cancer", res.Data.CauseOfDeath)
	assert.Equal(t, []string{FactorIllness}, res.Data.NotableFactors)
	assert.Equal(t, "https://www.wikidata.org/wiki/Q1", res.Entry.URL)
	assert.True(t, src.Descriptor().IsFree)

	s := subject()
	s.ExternalIDs.WikidataID = "Q1"
	_, _ = src.Lookup(context.Background(), s)
	assert.Equal(t, "Q1", f.byQID)
}

func TestWikidata_NoIdentifiersOrMatch(t *testing.T) {
	f := &fakeWikidata{}
	src := Wrap(NewWikidata(f, true))

	res, err := src.Lookup(context.Background(), model.Subject{ID: 1, Name: "No Ids"})
	require.NoError(t, err)
	assert.True(t, res.IsNotFound())

	res, err = src.Lookup(context.Background(), subject())
	require.NoError(t, err)
	assert.True(t, res.IsNotFound())

	assert.False(t, NewWikidata(f, false).IsAvailable())
}

func TestPage_FetchesTemplateAndExtracts(t *testing.T) {
	f := &fakeFetcher{res: &fetch.Result{
		Title:    "Jane Doe Obituary",
		Content:  "Jane Doe died of heart failure at her home in Santa Monica. She was 80.",
		Strategy: "archive",
		CostUSD:  0,
		Tried:    []string{"direct", "archive"},
	}}
	p, err := NewPage(PageSite{
		Type:        "legacy",
		Tier:        model.TierSecondaryNews,
		URLTemplate: "https://www.legacy.com/us/obituaries/name/{slug}-obituary?year={year}",
	}, f)
	require.NoError(t, err)

	res, err := Wrap(p).Lookup(context.Background(), subject())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, []string{"https://www.legacy.com/us/obituaries/name/jane-doe-obituary?year=2020"}, f.urls)
	assert.Equal(t, "archive", res.Entry.Strategy)
	assert.Equal(t, "heart failure", res.Data.CauseOfDeath)
	assert.Equal(t, "Santa Monica", res.Data.Location)
}

func TestPage_BlockedPropagates(t *testing.T) {
	f := &fakeFetcher{err: resilience.NewAccessBlocked("https://legacy.com", 403, "paywall")}
	p, err := NewPage(PageSite{Type: "legacy", URLTemplate: "https://legacy.com/{slug}"}, f)
	require.NoError(t, err)

	_, err = Wrap(p).Lookup(context.Background(), subject())
	var ab *AccessBlockedError
	require.True(t, errors.As(err, &ab))
	assert.Equal(t, "paywall", ab.Reason)
}

func TestPage_MissingYearSkips(t *testing.T) {
	f := &fakeFetcher{}
	p, err := NewPage(PageSite{Type: "x", URLTemplate: "https://x.com/{year}/{slug}"}, f)
	require.NoError(t, err)

	res, err := Wrap(p).Lookup(context.Background(), model.Subject{ID: 1, Name: "No Date"})
	require.NoError(t, err)
	assert.True(t, res.IsNotFound())
	assert.Empty(t, f.urls)
}

func TestNewPage_Validation(t *testing.T) {
	_, err := NewPage(PageSite{URLTemplate: "https://x.com"}, nil)
	assert.Error(t, err)
	_, err = NewPage(PageSite{Type: "x"}, nil)
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	cfg := &config.Config{}
	cfg.Anthropic.Model = sonnet
	cfg.Wikidata.Enabled = true
	cfg.Sources.Sites = []config.SiteConfig{
		{Type: "variety", Tier: "trade_press", URLTemplate: "https://variety.com/?s={name}", MinDelayMs: 2000},
		{Type: "legacy", URLTemplate: "https://www.legacy.com/obituaries/{slug}", RequiresLogin: true},
	}

	reg, err := BuildRegistry(cfg, Deps{Wikidata: &fakeWikidata{}, Fetcher: &fakeFetcher{}, Anthropic: &mockAnthropic{}})
	require.NoError(t, err)

	var order []model.SourceType
	for _, s := range reg.All() {
		order = append(order, s.Descriptor().Type)
	}
	assert.Equal(t, []model.SourceType{TypeWikidata, "variety", "legacy", TypeJinaSearch, TypePerplexity, TypeClaude}, order)

	variety := reg.Get("variety").Descriptor()
	assert.Equal(t, model.TierTradePress, variety.ReliabilityTier)
	assert.True(t, reg.Get("legacy").Descriptor().RequiresLogin)

	var avail []model.SourceType
	for _, s := range reg.Available() {
		avail = append(avail, s.Descriptor().Type)
	}
	assert.Equal(t, []model.SourceType{TypeWikidata, "variety", "legacy", TypeClaude}, avail)
}

func TestBuildRegistry_BadTier(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sources.Sites = []config.SiteConfig{{Type: "x", Tier: "gossip", URLTemplate: "https://x.com"}}
	_, err := BuildRegistry(cfg, Deps{})
	assert.Error(t, err)
}

func TestNewFetcher_StrategyChain(t *testing.T) {
	cfg := &config.Config{}
	f, closeFn, err := NewFetcher(cfg, calc())
	require.NoError(t, err)
	assert.Equal(t, []string{"direct", "archive"}, f.Strategies())
	assert.NoError(t, closeFn())

	cfg.Browser.Enabled = true
	cfg.Sources.Sites = []config.SiteConfig{{
		Type: "legacy", URLTemplate: "https://www.legacy.com/obituaries/{slug}", RequiresLogin: true,
		Login: config.LoginConfig{
			LoginURL: "https://www.legacy.com/login", UsernameSelector: "#u", PasswordSelector: "#p",
			SubmitSelector: "#s", SessionCookie: "sid",
		},
	}}
	f, _, err = NewFetcher(cfg, calc())
	require.NoError(t, err)
	assert.Equal(t, []string{"direct", "archive", "browser"}, f.Strategies())
}

func TestNewFetcher_InvalidLogin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sources.Sites = []config.SiteConfig{{Type: "legacy", URLTemplate: "https://legacy.com/{slug}", RequiresLogin: true}}
	_, _, err := NewFetcher(cfg, calc())
	assert.Error(t, err)
}
