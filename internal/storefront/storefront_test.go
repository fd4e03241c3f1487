package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btt-go/btt-storefront/featureflag"
	"github.com/btt-go/btt-storefront/internal/attributes"
	"github.com/btt-go/btt-storefront/internal/gateway"
)

const testCatalog = `Chair,Red,Furniture,$120,chair.png
Lamp,Blue,Lighting,$45,lamp.png
Rug,Green,Decor,$80,rug.png
Sofa,Grey,Furniture,$900,sofa.png
Vase,White,Decor,$30,vase.png
Mirror,Gold,Decor,$150,mirror.png
Stool,Black,Furniture,$60,stool.png
`

type trackCall struct {
	event  string
	userID string
	attrs  attributes.Set
}

// fakeFlags enables sorting for users in enabled and serves welcome for
// users in welcome.
type fakeFlags struct {
	mu          sync.Mutex
	enabled     map[string]bool
	welcome     map[string]string
	evaluations int
	tracked     []trackCall
	lastAttrs   attributes.Set
}

func (f *fakeFlags) IsFeatureEnabled(flagKey, userID string, attrs attributes.Set) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluations++
	f.lastAttrs = attrs
	return flagKey == FlagSorting && f.enabled[userID]
}

func (f *fakeFlags) GetFeatureVariableString(flagKey, variableKey, userID string, attrs attributes.Set) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluations++
	if flagKey != FlagSorting || variableKey != VariableWelcome {
		return "", false
	}
	v, ok := f.welcome[userID]
	return v, ok
}

func (f *fakeFlags) Track(eventKey, userID string, attrs attributes.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, trackCall{event: eventKey, userID: userID, attrs: attrs})
}

type fakeSource struct {
	mu      sync.Mutex
	data    string
	err     error
	fetches int
}

func (s *fakeSource) Fetch(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.data), nil
}

type fakeEvents struct {
	events []featureflag.Event
	err    error
	limit  int
}

func (e *fakeEvents) RecentEvents(ctx context.Context, n int) ([]featureflag.Event, error) {
	e.limit = n
	if e.err != nil {
		return nil, e.err
	}
	return e.events, nil
}

func newFakeFlags() *fakeFlags {
	return &fakeFlags{
		enabled: map[string]bool{"ada": true, "grace": true},
		welcome: map[string]string{"ada": "Hello Ada"},
	}
}

func newTestServer(t *testing.T, src *fakeSource, flags *fakeFlags) *Server {
	t.Helper()
	s := New(Options{Source: src, Events: &fakeEvents{}})
	if flags != nil {
		require.NoError(t, s.Initialize(context.Background(), func(context.Context) (gateway.FlagClient, error) {
			return flags, nil
		}))
	}
	return s
}

func initWith(flags gateway.FlagClient) func(context.Context) (gateway.FlagClient, error) {
	return func(context.Context) (gateway.FlagClient, error) { return flags, nil }
}

func do(t *testing.T, s *Server, req *http.Request) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// itemOrder returns the item names in the order they appear in body.
func itemOrder(body string) []string {
	names := []string{"Chair", "Lamp", "Rug", "Sofa", "Vase", "Mirror", "Stool"}
	type pos struct {
		name string
		at   int
	}
	var found []pos
	for _, n := range names {
		if i := strings.Index(body, n+" in "); i >= 0 {
			found = append(found, pos{n, i})
		}
	}
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j].at < found[j-1].at; j-- {
			found[j], found[j-1] = found[j-1], found[j]
		}
	}
	out := make([]string, len(found))
	for i, p := range found {
		out[i] = p.name
	}
	return out
}

func TestServer_Lifecycle(t *testing.T) {
	src := &fakeSource{data: testCatalog}
	s := newTestServer(t, src, nil)
	assert.Equal(t, StateUninitialized, s.State())

	resp, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, src.fetches, "no catalog fetch before ready")

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"state":"uninitialized"`)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/items.csv", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	initErr := errors.New("datafile unavailable")
	err := s.Initialize(context.Background(), func(context.Context) (gateway.FlagClient, error) {
		return nil, initErr
	})
	assert.ErrorIs(t, err, initErr)
	assert.Equal(t, StateUninitialized, s.State())

	// requests keep being answered while the flag client is still loading
	flags := newFakeFlags()
	release := make(chan struct{})
	initDone := make(chan error, 1)
	go func() {
		initDone <- s.Initialize(context.Background(), func(context.Context) (gateway.FlagClient, error) {
			<-release
			return flags, nil
		})
	}()
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.initializing
	}, time.Second, time.Millisecond)

	for path, status := range map[string]int{"/": http.StatusServiceUnavailable, "/healthz": http.StatusOK} {
		answered := make(chan int, 1)
		go func() {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			answered <- rec.Code
		}()
		select {
		case got := <-answered:
			assert.Equal(t, status, got, path)
		case <-time.After(time.Second):
			t.Fatalf("%s blocked while the flag client was loading", path)
		}
	}

	err = s.Initialize(context.Background(), func(context.Context) (gateway.FlagClient, error) {
		return flags, nil
	})
	assert.ErrorIs(t, err, ErrInitializing)

	close(release)
	require.NoError(t, <-initDone)
	assert.Equal(t, StateReady, s.State())

	err = s.Initialize(context.Background(), func(context.Context) (gateway.FlagClient, error) {
		return flags, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyReady)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Shop(t *testing.T) {
	tests := map[string]struct {
		userID   string
		expected ShopView
	}{
		"should use the variable when one is served": {
			userID: "ada",
			expected: ShopView{
				UserID:         "ada",
				SortingEnabled: true,
				Welcome:        "Hello Ada",
				Indicator:      `[Feature ON] The feature "sorting_enabled" is ON for user ada`,
			},
		},
		"should fall back to the default welcome when no variable is served": {
			userID: "grace",
			expected: ShopView{
				UserID:         "grace",
				SortingEnabled: true,
				Welcome:        "Welcome to Attic & Button",
				Indicator:      `[Feature ON] The feature "sorting_enabled" is ON for user grace`,
			},
		},
		"should report the feature off": {
			userID: "linus",
			expected: ShopView{
				UserID:         "linus",
				SortingEnabled: false,
				Welcome:        "Welcome to Attic & Button",
				Indicator:      `[Feature OFF] The feature "sorting_enabled" is OFF for user linus`,
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, &fakeSource{data: testCatalog}, newFakeFlags())

			view, ok := s.Shop(tc.userID, attributes.Set{})

			assert.True(t, ok)
			assert.Equal(t, tc.expected, view)
		})
	}
}

func TestServer_ShopEmptyUser(t *testing.T) {
	flags := newFakeFlags()
	s := newTestServer(t, &fakeSource{data: testCatalog}, flags)

	_, ok := s.Shop("", attributes.Set{})

	assert.False(t, ok)
	assert.Zero(t, flags.evaluations)
}

func TestServer_ShopWelcomeFallback(t *testing.T) {
	flags := newFakeFlags()
	flags.welcome["grace"] = ""
	s := newTestServer(t, &fakeSource{data: testCatalog}, flags)

	// the default shows iff no non-empty value was served
	for _, user := range []string{"ada", "grace", "linus"} {
		view, ok := s.Shop(user, attributes.Set{})
		require.True(t, ok)

		served, found := flags.GetFeatureVariableString(FlagSorting, VariableWelcome, user, nil)
		if found && served != "" {
			assert.Equal(t, served, view.Welcome)
		} else {
			assert.Equal(t, DefaultWelcome, view.Welcome)
		}
	}
}

func TestServer_Index(t *testing.T) {
	src := &fakeSource{data: testCatalog}
	flags := newFakeFlags()
	s := newTestServer(t, src, flags)

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, id := range []string{"items-table", "input-name", "input-name-button", "sorting", "feature-indicator", "welcome"} {
		assert.Contains(t, body, `id="`+id+`"`)
	}
	assert.Contains(t, body, html.EscapeString(DefaultWelcome))
	assert.NotContains(t, body, `id="sorting_type"`)
	assert.Equal(t, 3, strings.Count(body, "<tr>"))
	assert.Equal(t, 7, strings.Count(body, "<td>"))
	assert.Contains(t, body, "Furniture, $120")
	assert.Contains(t, body, `src="./images/chair.png"`)
	assert.Zero(t, flags.evaluations, "no user, no evaluation")
}

func TestServer_IndexWithUser(t *testing.T) {
	flags := newFakeFlags()
	s := newTestServer(t, &fakeSource{data: testCatalog}, flags)

	req := httptest.NewRequest(http.MethodGet, "/?user=ada&test=beta", nil)
	req.Header.Set("X-Device-Name", "Pixel 8")
	req.AddCookie(&http.Cookie{Name: "bbCookie", Value: "returning"})
	resp, body := do(t, s, req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Hello Ada")
	assert.Contains(t, body, html.EscapeString(Indicator("ada", true)))
	assert.Contains(t, body, `id="sorting_type"`)
	assert.Contains(t, body, `<option value="price">Price</option>`)
	assert.Equal(t, attributes.Set{
		attributes.Cookie:      "returning",
		attributes.BrowserType: "Pixel 8",
		attributes.QueryParam:  "beta",
	}, flags.lastAttrs)
}

func TestServer_IndexSort(t *testing.T) {
	tests := map[string]struct {
		query    string
		expected []string
	}{
		"should sort by price when the control is shown": {
			query:    "/?user=ada&sort=price",
			expected: []string{"Vase", "Lamp", "Stool", "Rug", "Chair", "Mirror", "Sofa"},
		},
		"should sort by category keeping catalog order within a category": {
			query:    "/?user=ada&sort=category",
			expected: []string{"Rug", "Vase", "Mirror", "Chair", "Sofa", "Stool", "Lamp"},
		},
		"should ignore the sort key when the control is hidden": {
			query:    "/?user=linus&sort=price",
			expected: []string{"Chair", "Lamp", "Rug", "Sofa", "Vase", "Mirror", "Stool"},
		},
		"should ignore the sort key without a user": {
			query:    "/?sort=price",
			expected: []string{"Chair", "Lamp", "Rug", "Sofa", "Vase", "Mirror", "Stool"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, &fakeSource{data: testCatalog}, newFakeFlags())

			resp, body := do(t, s, httptest.NewRequest(http.MethodGet, tc.query, nil))

			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tc.expected, itemOrder(body))
		})
	}
}

func TestServer_IndexUnknownSort(t *testing.T) {
	s := newTestServer(t, &fakeSource{data: testCatalog}, newFakeFlags())

	resp, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/?user=ada&sort=color", nil))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CatalogFailure(t *testing.T) {
	tests := map[string]*fakeSource{
		"should answer 502 when the fetch fails":   {err: errors.New("connection refused")},
		"should answer 502 when the parse fails":   {data: "Chair,Red,Furniture\n"},
		"should answer 502 when the price is junk": {data: "Chair,Red,Furniture,$abc,chair.png\n"},
	}

	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, src, newFakeFlags())

			resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.Contains(t, body, "catalog unavailable")
		})
	}
}

func TestServer_ItemsRefetches(t *testing.T) {
	src := &fakeSource{data: testCatalog}
	s := newTestServer(t, src, newFakeFlags())

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/items?sort=price&user=ada", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "<table>"))
	assert.Equal(t, []string{"Vase", "Lamp", "Stool", "Rug", "Chair", "Mirror", "Sofa"}, itemOrder(body))
	assert.Contains(t, body, `name="user" value="ada"`)

	// the catalog changed between sorts
	src.mu.Lock()
	src.data = "Bench,Oak,Furniture,$10,bench.png\n" + testCatalog
	src.mu.Unlock()

	_, body = do(t, s, httptest.NewRequest(http.MethodGet, "/items?sort=price&user=ada", nil))
	assert.Contains(t, body, "Bench in Oak")
	assert.Equal(t, 2, src.fetches)
}

func TestServer_ItemsSort(t *testing.T) {
	tests := map[string]struct {
		query    string
		expected []string
	}{
		"should sort for a user shown the sort control": {
			query:    "/items?user=ada&sort=category",
			expected: []string{"Rug", "Vase", "Mirror", "Chair", "Sofa", "Stool", "Lamp"},
		},
		"should ignore the sort key for a user without the sort control": {
			query:    "/items?user=linus&sort=price",
			expected: []string{"Chair", "Lamp", "Rug", "Sofa", "Vase", "Mirror", "Stool"},
		},
		"should ignore the sort key without a user": {
			query:    "/items?sort=price",
			expected: []string{"Chair", "Lamp", "Rug", "Sofa", "Vase", "Mirror", "Stool"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, &fakeSource{data: testCatalog}, newFakeFlags())

			resp, body := do(t, s, httptest.NewRequest(http.MethodGet, tc.query, nil))

			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tc.expected, itemOrder(body))
		})
	}
}

func TestServer_APIShop(t *testing.T) {
	flags := newFakeFlags()
	s := newTestServer(t, &fakeSource{data: testCatalog}, flags)

	req := httptest.NewRequest(http.MethodPost, "/api/shop", strings.NewReader(`{"user_id":"ada"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, body := do(t, s, req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view ShopView
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Equal(t, "Hello Ada", view.Welcome)
	assert.True(t, view.SortingEnabled)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodPost, "/api/shop", strings.NewReader(`{"user_id":""}`)))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodPost, "/api/shop", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 2, flags.evaluations, "only the non-empty user is evaluated")
}

func TestServer_Buy(t *testing.T) {
	flags := newFakeFlags()
	s := newTestServer(t, &fakeSource{data: testCatalog}, flags)

	form := url.Values{"user": {"ada"}}
	req := httptest.NewRequest(http.MethodPost, "/buy?test=beta", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.AddCookie(&http.Cookie{Name: "bbCookie", Value: "returning"})
	resp, _ := do(t, s, req)

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/purchase.html", resp.Header.Get("Location"))
	require.Len(t, flags.tracked, 1)
	assert.Equal(t, trackCall{
		event:  "item_purchase",
		userID: "ada",
		attrs: attributes.Set{
			attributes.Cookie:      "returning",
			attributes.BrowserType: "Mozilla/5.0",
		},
	}, flags.tracked[0])
}

func TestServer_BuyWithoutUser(t *testing.T) {
	flags := newFakeFlags()
	s := newTestServer(t, &fakeSource{data: testCatalog}, flags)

	req := httptest.NewRequest(http.MethodPost, "/buy", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ := do(t, s, req)

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Empty(t, flags.tracked)
}

func TestServer_AdminListEvents(t *testing.T) {
	events := &fakeEvents{events: []featureflag.Event{
		{ID: "e1", Key: "item_purchase", UserID: "ada", Timestamp: time.Unix(1700000000, 0).UTC()},
	}}
	s := New(Options{Source: &fakeSource{data: testCatalog}, Events: events})
	require.NoError(t, s.Initialize(context.Background(), func(context.Context) (gateway.FlagClient, error) {
		return newFakeFlags(), nil
	}))

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/admin/events", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultEventLimit, events.limit)

	var out struct {
		Events []featureflag.Event `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "item_purchase", out.Events[0].Key)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/admin/events?limit=5", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, events.limit)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/admin/events?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	events.err = errors.New("redis down")
	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/admin/events", nil))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_StaticRoutes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chair.png"), []byte("png-bytes"), 0o644))

	s := New(Options{Source: &fakeSource{data: testCatalog}, ImagesDir: dir})

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/images/chair.png", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", body)

	resp, body = do(t, s, httptest.NewRequest(http.MethodGet, "/purchase.html", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Thank you for your purchase")

	resp, body = do(t, s, httptest.NewRequest(http.MethodGet, "/items.csv", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, testCatalog, body)
}
