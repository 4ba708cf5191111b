// ABOUTME: HTTP and websocket handlers for the fake upstream
// ABOUTME: Issues JWT token pairs and closes feed connections with 4001 once the token expires

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const closeTokenInvalid websocket.StatusCode = 4001

type serverConfig struct {
	Agents    int
	Parked    int
	Interval  time.Duration
	AccessTTL time.Duration
	Phone     string
	Password  string
	Seed      int64
	Now       func() time.Time
}

type server struct {
	cfg    serverConfig
	key    []byte
	sim    *simulation
	logger *slog.Logger

	mu      sync.Mutex
	revoked map[string]bool // refresh token IDs already exchanged
}

func newServer(cfg serverConfig, logger *slog.Logger) (*server, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &server{
		cfg:     cfg,
		key:     key,
		sim:     newSimulation(cfg.Agents, cfg.Parked, cfg.Seed),
		logger:  logger,
		revoked: make(map[string]bool),
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/token/", s.handleLogin)
	mux.HandleFunc("POST /api/token/refresh/", s.handleRefresh)
	mux.HandleFunc("GET /ws/agents/", s.handleFeed)
	return mux
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}
	if req.PhoneNumber != s.cfg.Phone || req.Password != s.cfg.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "No active account found with the given credentials",
			"code":   "authentication_failed",
		})
		return
	}
	s.issuePair(w)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid body"})
		return
	}

	claims, err := s.parse(req.Refresh, "refresh")
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}

	// Refresh tokens rotate: each one can be exchanged exactly once.
	s.mu.Lock()
	used := s.revoked[claims.ID]
	s.revoked[claims.ID] = true
	s.mu.Unlock()
	if used {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is blacklisted",
			"code":   "token_not_valid",
		})
		return
	}
	s.issuePair(w)
}

func (s *server) issuePair(w http.ResponseWriter) {
	access, err := s.sign("access", s.cfg.AccessTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	refresh, err := s.sign("refresh", 24*time.Hour)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (s *server) sign(kind string, ttl time.Duration) (string, error) {
	now := s.cfg.Now()
	claims := jwt.MapClaims{
		"token_type": kind,
		"jti":        uuid.NewString(),
		"user_id":    1,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

type tokenClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func (s *server) parse(token, kind string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.cfg.Now))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, fmt.Errorf("expected %s token, got %q", kind, claims.TokenType)
	}
	return claims, nil
}

func (s *server) handleFeed(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parse(r.URL.Query().Get("token"), "access")

	conn, acceptErr := websocket.Accept(w, r, nil)
	if acceptErr != nil {
		s.logger.Warn("accept failed", "error", acceptErr)
		return
	}
	defer conn.CloseNow()

	if err != nil {
		s.logger.Info("rejecting feed connection", "error", err)
		conn.Close(closeTokenInvalid, "token_not_valid")
		return
	}

	s.logger.Info("feed client connected", "remote", r.RemoteAddr)
	ctx := conn.CloseRead(r.Context())

	// First frame carries full history so a fresh client can seed paths.
	if err := s.send(ctx, conn, s.sim.snapshot(s.cfg.Now(), true)); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed client gone", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
		}

		now := s.cfg.Now()
		if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
			s.logger.Info("access token expired mid-stream, closing")
			_ = s.send(ctx, conn, map[string]string{
				"code":   "token_not_valid",
				"detail": "Given token not valid for any token type",
			})
			conn.Close(closeTokenInvalid, "token expired")
			return
		}

		s.sim.step()
		if err := s.send(ctx, conn, s.sim.snapshot(now, false)); err != nil {
			return
		}
	}
}

func (s *server) send(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("write failed", "error", err)
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
