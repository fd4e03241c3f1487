package storefront

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/btt-go/btt-storefront/catalog"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// pageData feeds both the full page and the items fragment.
type pageData struct {
	UserID     string
	Shop       *ShopView
	Welcome    string
	Sort       catalog.SortKey
	SortKeys   []catalog.SortKey
	QueryName  string
	QueryValue string
	Table      catalog.Table
}

// Index handles GET /?user=&sort=. The sort key only applies when the user
// is shown the sort control.
func (s *Server) Index(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := catalog.ParseSortKey(q.Get("sort"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data := pageData{
		UserID:     q.Get("user"),
		Welcome:    s.opts.DefaultWelcome,
		SortKeys:   catalog.SortKeys,
		QueryName:  s.opts.Collector.QueryParam,
		QueryValue: q.Get(s.opts.Collector.QueryParam),
	}
	if view, ok := s.Shop(data.UserID, s.opts.Collector.Collect(r)); ok {
		data.Shop = &view
		data.Welcome = view.Welcome
		if view.SortingEnabled {
			data.Sort = key
		}
	}

	items, err := s.loader.LoadSorted(r.Context(), data.Sort)
	if err != nil {
		s.catalogError(w, err)
		return
	}
	data.Table = catalog.Render(items)

	s.render(w, "page.html", data)
}

// Items handles GET /items?user=&sort=, the bare table for clients that
// refresh only the catalog. As on Index, the sort key only applies when the
// user is shown the sort control. Every call fetches the catalog again.
func (s *Server) Items(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := catalog.ParseSortKey(q.Get("sort"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if view, ok := s.Shop(q.Get("user"), s.opts.Collector.Collect(r)); !ok || !view.SortingEnabled {
		key = catalog.SortNone
	}

	items, err := s.loader.LoadSorted(r.Context(), key)
	if err != nil {
		s.catalogError(w, err)
		return
	}

	s.render(w, "items", pageData{
		UserID: q.Get("user"),
		Sort:   key,
		Table:  catalog.Render(items),
	})
}

type shopRequest struct {
	UserID string `json:"user_id"`
}

// APIShop handles POST /api/shop. An empty user is a no-op.
func (s *Server) APIShop(w http.ResponseWriter, r *http.Request) {
	var req shopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, ok := s.Shop(req.UserID, s.opts.Collector.Collect(r))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Buy handles POST /buy: it tracks the purchase with the reduced attribute
// set and sends the browser to the purchase page.
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	userID := r.PostForm.Get("user")
	if userID != "" {
		s.flagClient().Track(EventPurchase, userID, s.opts.Collector.CollectPurchase(r))
	}
	http.Redirect(w, r, s.opts.PurchaseURL, http.StatusSeeOther)
}

// AdminListEvents handles GET /admin/events?limit=.
func (s *Server) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusNotFound, "event inspection is not configured")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
			return
		}
		limit = n
	}

	events, err := s.opts.Events.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list events failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Healthz reports liveness and the lifecycle state.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.State().String(),
	})
}

// CatalogFile serves the raw catalog, as read from the configured source.
func (s *Server) CatalogFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Source.Fetch(r.Context())
	if err != nil {
		s.catalogError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	_, _ = w.Write(data)
}

// PurchasePage serves the page the purchase flow lands on.
func (s *Server) PurchasePage(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, staticFS, "static/purchase.html")
}

func (s *Server) catalogError(w http.ResponseWriter, err error) {
	s.logger.Error("catalog unavailable", zap.Error(err))
	status := http.StatusBadGateway
	if errors.Is(err, catalog.ErrUnknownSortKey) {
		status = http.StatusBadRequest
	}
	http.Error(w, "catalog unavailable: "+err.Error(), status)
}

// render executes into a buffer so a template error never leaves a half
// written page.
func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render failed", zap.String("template", name), zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
