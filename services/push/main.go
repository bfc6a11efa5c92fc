// The push service stores Web Push subscriptions and delivers notifications
// with VAPID-signed requests. It is split from the API so push delivery
// latency (the push gateways can be slow) never blocks message handling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/parishhub/portal/internal/logger"
	"github.com/parishhub/portal/internal/middleware"
	"github.com/parishhub/portal/internal/push"
)

const subKeyPrefix = "push:subs:"

type server struct {
	rdb   *redis.Client
	keys  *push.VAPIDKeys
	email string
}

func main() {
	genVAPID := flag.Bool("gen-vapid", false, "generate a VAPID key pair and exit")
	flag.Parse()

	logger.SetPrefix("push: ")

	if *genVAPID {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate vapid: %v", err)
			os.Exit(1)
		}
		fmt.Printf("PUSH_VAPID_PUBLIC_KEY=%s\nPUSH_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	keys, err := push.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("vapid keys: %v", err)
		os.Exit(1)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Errorf("parse redis url: %v", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		logger.Errorf("redis ping: %v", err)
		os.Exit(1)
	}
	defer rdb.Close()

	email := os.Getenv("PUSH_CONTACT_EMAIL")
	if email == "" {
		email = "admin@example.com"
	}
	s := &server{rdb: rdb, keys: keys, email: email}

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/vapid-public-key", s.handleVAPIDKey)
	r.Post("/api/subscribe", s.handleSubscribe)
	r.Delete("/api/subscribe", s.handleUnsubscribe)
	r.Post("/api/notify", s.handleNotify)

	addr := os.Getenv("PUSH_SERVER_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

func (s *server) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"public_key": s.keys.PublicKey})
}

func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req push.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Subscription.Endpoint == "" {
		http.Error(w, "user_id and subscription are required", http.StatusBadRequest)
		return
	}
	raw, err := json.Marshal(req.Subscription)
	if err != nil {
		http.Error(w, "invalid subscription", http.StatusBadRequest)
		return
	}
	if err := s.rdb.HSet(r.Context(), subKeyPrefix+req.UserID, req.Subscription.Endpoint, raw).Err(); err != nil {
		logger.Errorf("subscribe store: %v", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint are required", http.StatusBadRequest)
		return
	}
	if err := s.rdb.HDel(r.Context(), subKeyPrefix+req.UserID, req.Endpoint).Err(); err != nil {
		logger.Errorf("unsubscribe: %v", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req push.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	subs, err := s.rdb.HGetAll(r.Context(), subKeyPrefix+req.UserID).Result()
	if err != nil {
		logger.Errorf("notify load subs: %v", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"data":  req.Data,
	})

	for endpoint, raw := range subs {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			logger.Errorf("notify bad subscription user=%s: %v", req.UserID, err)
			continue
		}
		go s.deliver(req.UserID, endpoint, sub, payload)
	}
	w.WriteHeader(http.StatusNoContent)
}

// deliver sends one notification. A 404 or 410 from the gateway means the
// subscription is gone and gets pruned.
func (s *server) deliver(userID, endpoint string, sub webpush.Subscription, payload []byte) {
	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      s.email,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             60,
	})
	if err != nil {
		logger.Errorf("deliver user=%s: %v", userID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.rdb.HDel(ctx, subKeyPrefix+userID, endpoint).Err(); err != nil {
			logger.Errorf("prune subscription user=%s: %v", userID, err)
		}
		return
	}
	if resp.StatusCode >= 400 {
		logger.Errorf("deliver user=%s status=%d", userID, resp.StatusCode)
	}
}
