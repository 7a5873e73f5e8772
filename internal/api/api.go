// Package api serves the read-only query surface over the ledger store, plus
// health and prometheus metrics. It never mutates state; the notification and
// onboarding layers consume these endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
	"github.com/vrscpool/poolmgr/internal/pool"
	"github.com/vrscpool/poolmgr/internal/store"
)

type Server struct {
	logger *slog.Logger
	store  *store.Store
}

func New(logger *slog.Logger, s *store.Store) *Server {
	return &Server{logger: logger, store: s}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/{currency}").Subrouter()
	v1.HandleFunc("/stakes", s.stakes).Methods(http.MethodGet)
	v1.HandleFunc("/payouts", s.payouts).Methods(http.MethodGet)
	v1.HandleFunc("/fees", s.fees).Methods(http.MethodGet)
	v1.HandleFunc("/stakers/{address}/balance", s.balance).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	misc.Infof(s.logger, "api listening on %s", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stakes(w http.ResponseWriter, r *http.Request) {
	currency := mux.Vars(r)["currency"]
	status := pool.StakeStatus(r.URL.Query().Get("status"))
	var stakes []pool.Stake
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		if status != "" {
			stakes, err = tx.StakesByStatus(currency, status)
		} else {
			stakes, err = tx.Stakes(currency)
		}
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stakes)
}

func (s *Server) payouts(w http.ResponseWriter, r *http.Request) {
	currency := mux.Vars(r)["currency"]
	var payouts []pool.Payout
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		payouts, err = tx.Payouts(currency)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (s *Server) fees(w http.ResponseWriter, r *http.Request) {
	currency := mux.Vars(r)["currency"]
	var total int64
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		total, err = tx.PoolFeeTotal(currency)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"poolfees": total})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var bal pool.StakerBalance
	err := s.store.View(func(tx *store.Tx) error {
		members, err := tx.MembersByStaker(vars["currency"], vars["address"])
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.PaymentID != "" {
				bal.Paid += m.Reward
			} else {
				bal.Pending += m.Reward
			}
		}
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, pool.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	misc.Errorf(s.logger, "api request %s failed: %v", r.URL.Path, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
