// Package storefront serves the Attic & Button pages: the catalog table, the
// flag-gated sort control and welcome banner, and the purchase flow.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/btt-go/btt-storefront/catalog"
	"github.com/btt-go/btt-storefront/featureflag"
	"github.com/btt-go/btt-storefront/internal/attributes"
	"github.com/btt-go/btt-storefront/internal/gateway"
	"github.com/btt-go/btt-storefront/internal/metrics"
)

// Flag, variable and event keys the page evaluates.
const (
	FlagSorting     = "sorting_enabled"
	VariableWelcome = "welcome_message"
	EventPurchase   = "item_purchase"
)

const (
	DefaultWelcome     = "Welcome to Attic & Button"
	DefaultPurchaseURL = "/purchase.html"
)

var (
	ErrAlreadyReady = errors.New("storefront already initialized")
	ErrInitializing = errors.New("storefront initialization in progress")
)

// State is the lifecycle state of a Server.
type State int

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "uninitialized"
}

// EventReader lists tracked events for the admin endpoint.
type EventReader interface {
	RecentEvents(ctx context.Context, n int) ([]featureflag.Event, error)
}

// Options configures a Server.
type Options struct {
	Source         catalog.Source
	ImagesDir      string // served under /images/; empty disables the route
	PurchaseURL    string
	DefaultWelcome string
	Collector      attributes.Collector
	Events         EventReader      // optional
	Metrics        *metrics.Metrics // optional
	Logger         *zap.Logger
}

// Server is the storefront HTTP handler. UI routes answer 503 until
// Initialize succeeds.
type Server struct {
	opts   Options
	loader *catalog.Loader
	logger *zap.Logger
	router *chi.Mux

	mu           sync.RWMutex
	flags        gateway.FlagClient
	initializing bool
}

// New builds a Server in the uninitialized state.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PurchaseURL == "" {
		opts.PurchaseURL = DefaultPurchaseURL
	}
	if opts.DefaultWelcome == "" {
		opts.DefaultWelcome = DefaultWelcome
	}
	if opts.Collector == (attributes.Collector{}) {
		opts.Collector = attributes.NewCollector()
	}

	loaderOpts := []catalog.LoaderOption{catalog.WithLogger(opts.Logger.Named("catalog"))}
	if opts.Metrics != nil {
		loaderOpts = append(loaderOpts, catalog.WithObserver(opts.Metrics))
	}

	s := &Server{
		opts:   opts,
		loader: catalog.NewLoader(opts.Source, loaderOpts...),
		logger: opts.Logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// State reports whether the flag client is in place.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.flags == nil {
		return StateUninitialized
	}
	return StateReady
}

// Initialize runs init and, on success, moves the server to ready. It
// succeeds at most once; a failed init leaves the server uninitialized.
// Requests are served, uninitialized, while init runs.
func (s *Server) Initialize(ctx context.Context, init func(context.Context) (gateway.FlagClient, error)) error {
	s.mu.Lock()
	switch {
	case s.flags != nil:
		s.mu.Unlock()
		return ErrAlreadyReady
	case s.initializing:
		s.mu.Unlock()
		return ErrInitializing
	}
	s.initializing = true
	s.mu.Unlock()

	flags, err := init(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializing = false
	if err != nil {
		return fmt.Errorf("initialize flag client: %w", err)
	}
	s.flags = flags
	s.logger.Info("storefront ready")
	return nil
}

func (s *Server) flagClient() gateway.FlagClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// ShopView is the outcome of a user name submission.
type ShopView struct {
	UserID         string `json:"user_id"`
	SortingEnabled bool   `json:"sorting_enabled"`
	Welcome        string `json:"welcome"`
	Indicator      string `json:"indicator"`
}

// Shop evaluates the sorting flag and welcome variable for the user. It
// reports false, without evaluating anything, for an empty user or before
// the server is ready.
func (s *Server) Shop(userID string, attrs attributes.Set) (ShopView, bool) {
	flags := s.flagClient()
	if userID == "" || flags == nil {
		return ShopView{}, false
	}

	enabled := flags.IsFeatureEnabled(FlagSorting, userID, attrs)
	welcome, ok := flags.GetFeatureVariableString(FlagSorting, VariableWelcome, userID, attrs)
	if !ok || welcome == "" {
		welcome = s.opts.DefaultWelcome
	}

	return ShopView{
		UserID:         userID,
		SortingEnabled: enabled,
		Welcome:        welcome,
		Indicator:      Indicator(userID, enabled),
	}, true
}

// Indicator is the status line shown after a flag evaluation.
func Indicator(userID string, enabled bool) string {
	state := "OFF"
	if enabled {
		state = "ON"
	}
	return fmt.Sprintf("[Feature %s] The feature %q is %s for user %s", state, FlagSorting, state, userID)
}
