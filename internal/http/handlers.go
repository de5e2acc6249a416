package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/accounts"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/notify"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/storage"
)

type Server struct {
	Engine      *dispatch.Engine
	Broadcaster *notify.Broadcaster
	Accounts    *accounts.Service
	Wallet      *payments.Wallet
	Users       storage.UserStore

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *dispatch.Engine, broadcaster *notify.Broadcaster, accts *accounts.Service, wallet *payments.Wallet, users storage.UserStore, logger *slog.Logger) *Server {
	s := &Server{
		Engine:      engine,
		Broadcaster: broadcaster,
		Accounts:    accts,
		Wallet:      wallet,
		Users:       users,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/auth/signup", s.handleDriverSignup).Methods("POST")
	s.mux.HandleFunc("/api/auth/verify", s.handleDriverVerify).Methods("POST")
	s.mux.HandleFunc("/api/auth/login", s.handleDriverLogin).Methods("POST")

	s.mux.HandleFunc("/api/user/signup", s.handleUserSignup).Methods("POST")
	s.mux.HandleFunc("/api/user/verify", s.handleUserVerify).Methods("POST")
	s.mux.HandleFunc("/api/user/login", s.handleUserLogin).Methods("POST")
	s.mux.HandleFunc("/api/user/{user_id}", s.handleUserProfile).Methods("GET")

	s.mux.Handle("/api/card/add", s.requireAuth(s.handleAddCard)).Methods("POST")
	s.mux.Handle("/api/card/user/{user_id}", s.requireAuth(s.handleListCards)).Methods("GET")
	s.mux.Handle("/api/card/{card_id}", s.requireAuth(s.handleDeleteCard)).Methods("DELETE")
	s.mux.Handle("/api/card/topup", s.requireAuth(s.handleTopUp)).Methods("POST")

	s.mux.Handle("/api/payment/charge", s.requireAuth(s.handleCharge)).Methods("POST")
	s.mux.Handle("/api/payment/balance/{card_code}", s.requireAuth(s.handleBalance)).Methods("GET")

	s.mux.HandleFunc("/ws/driver", s.handleDriverWS)
	s.mux.HandleFunc("/ws/user", s.handleUserWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverSignup(w http.ResponseWriter, r *http.Request) {
	var req accounts.DriverSignup
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	driver, code, err := s.Accounts.SignupDriver(r.Context(), req)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "verification code sent",
		"driver_id":  driver.ID,
		"debug_code": code,
	})
}

func (s *Server) handleDriverVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Accounts.VerifyDriver(r.Context(), req.DriverID, req.Code); err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "account verified"})
}

func (s *Server) handleDriverLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	driver, token, err := s.Accounts.LoginDriver(r.Context(), req.Email, req.Password)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "driver": driver})
}

func (s *Server) handleUserSignup(w http.ResponseWriter, r *http.Request) {
	var req accounts.UserSignup
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, code, err := s.Accounts.SignupUser(r.Context(), req)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "verification code sent",
		"user_id":    user.ID,
		"debug_code": code,
	})
}

func (s *Server) handleUserVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Accounts.VerifyUser(r.Context(), req.UserID, req.Code); err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "account verified"})
}

func (s *Server) handleUserLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, token, err := s.Accounts.LoginUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	user, err := s.Users.GetByID(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAddCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		CardCode string `json:"card_code"`
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	card, err := s.Wallet.AddCard(r.Context(), req.UserID, req.CardCode, req.Nickname)
	if errors.Is(err, storage.ErrDuplicate) {
		httpError(w, http.StatusConflict, "card already registered")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.Wallet.Cards(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	err := s.Wallet.RemoveCard(r.Context(), mux.Vars(r)["card_id"], userID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "card removed"})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardCode   string `json:"card_code"`
		Amount     int64  `json:"amount"`
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := s.Wallet.TopUp(r.Context(), req.CardCode, req.Amount, req.CustomerID)
	if err != nil {
		s.walletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardCode string `json:"card_code"`
		Amount   int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := s.Wallet.Charge(r.Context(), req.CardCode, req.Amount)
	if errors.Is(err, payments.ErrInsufficientBalance) {
		card, lookupErr := s.Wallet.Balance(r.Context(), req.CardCode)
		if lookupErr != nil {
			s.internalError(w, lookupErr)
			return
		}
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           "insufficient balance",
			"current_balance": card.Balance,
			"required":        req.Amount,
			"shortage":        req.Amount - card.Balance,
		})
		return
	}
	if err != nil {
		s.walletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	card, err := s.Wallet.Balance(r.Context(), mux.Vars(r)["card_code"])
	if err != nil {
		s.walletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"card_code": card.CardCode,
		"nickname":  card.Nickname,
		"balance":   card.Balance,
	})
}

func (s *Server) accountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrEmailTaken):
		httpError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, accounts.ErrInvalidCredentials):
		httpError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, accounts.ErrNotVerified):
		httpError(w, http.StatusForbidden, "account not verified")
	case errors.Is(err, accounts.ErrBadCode):
		httpError(w, http.StatusBadRequest, "wrong verification code")
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "account not found")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) walletError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrCardNotFound):
		httpError(w, http.StatusNotFound, "card not found")
	case errors.Is(err, payments.ErrInsufficientBalance):
		httpError(w, http.StatusPaymentRequired, "insufficient balance")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	httpError(w, http.StatusInternalServerError, "internal error")
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
