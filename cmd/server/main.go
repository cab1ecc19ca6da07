package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/goldenbook/auctiond/internal/api"
	"github.com/goldenbook/auctiond/internal/auction"
	"github.com/goldenbook/auctiond/internal/auth"
	"github.com/goldenbook/auctiond/internal/config"
	"github.com/goldenbook/auctiond/internal/db"
	"github.com/goldenbook/auctiond/internal/notary"
	"github.com/goldenbook/auctiond/internal/notify"
	"github.com/goldenbook/auctiond/internal/wallet"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	log     *zap.Logger
}

func newWSHub(log *zap.Logger) *wsHub {
	return &wsHub{clients: make(map[*wsClient]bool), log: log}
}

func (h *wsHub) broadcast(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal broadcast payload", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
		}
	}
}

func (h *wsHub) handle(engine *auction.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &wsClient{conn: conn}
		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()

		// Send current round state to the new client immediately.
		h.broadcast(map[string]interface{}{"rounds": engine.Snapshots()})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.clients, client)
				h.mu.Unlock()
				break
			}
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}
	return cfg.Build()
}

// Main entry point: sets up database, engine, scheduler, and HTTP server
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	// Collaborators
	walletSvc := wallet.NewMemoryWallet(cfg.Wallet.OpeningBalance)
	bus := notify.NewBus()
	notarySvc := notary.NewService(notary.ChainStub{}, logger)
	go notarySvc.Run(ctx)

	// Auction engine
	engine := auction.New(auction.Config{
		Wallet:       walletSvc,
		Store:        database,
		Bus:          bus,
		Notary:       notarySvc,
		HoldTimeout:  cfg.Auction.HoldTimeout,
		EndingNotice: cfg.Auction.EndingNotice,
		Logger:       logger,
	})

	// Rehydrate rounds that have not closed yet
	rounds, err := database.ListUnfinishedRounds(ctx)
	if err != nil {
		logger.Fatal("failed to load rounds", zap.Error(err))
	}
	for _, r := range rounds {
		bids, err := database.GetRoundBids(ctx, r.ID)
		if err != nil {
			logger.Fatal("failed to load round bids", zap.String("round", r.ID), zap.Error(err))
		}
		if err := engine.RestoreRound(r, bids); err != nil {
			logger.Fatal("failed to restore round", zap.String("round", r.ID), zap.Error(err))
		}
	}
	logger.Info("engine restored", zap.Int("rounds", len(rounds)))

	go engine.Run(ctx, cfg.Auction.TickInterval)

	// Auth and API
	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(database, engine, authService)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Websocket round feed
	hub := newWSHub(logger)
	r.Get("/ws", hub.handle(engine))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/rounds", handler.GetRounds)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Get("/rounds/{id}", handler.GetRound)
		r.Post("/rounds/{id}/bids", handler.SubmitBid)
		r.Get("/rounds/{id}/bids", handler.GetUserBidSummary)
		r.Get("/rounds/{id}/clearing", handler.GetClearingResult)
		r.Delete("/bids/{id}", handler.CancelBid)
		r.Get("/allocations", handler.GetAllocations)
	})

	// Periodic snapshot broadcast plus event-driven pushes
	go func() {
		ticker := time.NewTicker(cfg.Server.BroadcastInterval)
		defer ticker.Stop()
		events := bus.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hub.broadcast(map[string]interface{}{"rounds": engine.Snapshots()})
			case ev := <-events:
				hub.broadcast(map[string]interface{}{"event": ev})
			}
		}
	}()

	logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
	if err := http.ListenAndServe(cfg.Server.Addr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
