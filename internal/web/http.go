package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/winspan/dnsguard/internal/app"
	"github.com/winspan/dnsguard/internal/conn"
	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/rules"
	"github.com/winspan/dnsguard/pkg/config"
	"github.com/winspan/dnsguard/pkg/logger"
)

type Api struct {
	app     *app.App
	cfg     *config.Config
	log     *logger.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// Claims is the payload of an admin session token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func BindRoutes(r *chi.Mux, a *app.App, cfg *config.Config, log *logger.Logger) {
	if log == nil {
		log = logger.Discard()
	}
	limit := cfg.GetRateLimit()
	api := &Api{
		app:     a,
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		now:     time.Now,
	}

	// 中间件
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(10*time.Second))
	r.Use(api.accessLog)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(ar chi.Router) {
		ar.Use(api.rateLimit)
		ar.Get("/health", api.health)
		ar.Post("/login", api.login)

		ar.Group(func(pr chi.Router) {
			pr.Use(api.auth)

			// 规则
			pr.Get("/rules", api.getRules)
			pr.Post("/rules", api.addRule)
			pr.Delete("/rules/{id}", api.deleteRule)
			pr.Get("/rules/check", api.checkDomain)
			pr.Post("/rules/reload", api.reload)

			pr.Get("/settings", api.getSettings)
			pr.Put("/settings", api.putSettings)

			// 日志与统计
			pr.Get("/logs", api.getLogs)
			pr.Get("/stats", api.getStats)
			pr.Delete("/stats", api.clearStats)

			// 上游健康
			pr.Get("/providers", api.getProviders)
			pr.Get("/providers/health", api.getProviderHealth)
			pr.Post("/providers/check", api.checkProviders)
			pr.Get("/providers/best", api.getBestProvider)

			// 连接
			pr.Get("/connection", api.getConnection)
			pr.Post("/connection/connect", api.connect)
			pr.Post("/connection/disconnect", api.disconnect)
			pr.Post("/connection/foreground", api.foreground)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *Api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := a.now()
		next.ServeHTTP(ww, r)
		a.log.Debug("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (a *Api) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth accepts the static admin token or a session token from /api/login.
// With neither configured the API is open.
func (a *Api) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, secret := a.cfg.Admin.Token, a.cfg.Admin.JWTSecret
		if token == "" && secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tk := strings.TrimSpace(h[7:])
		if token != "" && subtle.ConstantTimeCompare([]byte(tk), []byte(token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if secret != "" {
			if _, err := a.parseToken(tk); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (a *Api) makeToken() (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.cfg.GetTokenTTL())
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tk, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Admin.JWTSecret))
	return tk, exp, err
}

func (a *Api) parseToken(tk string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tk, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.Admin.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

func (a *Api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// POST /api/login {password}
func (a *Api) login(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Admin.PasswordHash == "" || a.cfg.Admin.JWTSecret == "" {
		http.Error(w, "password login disabled", http.StatusNotFound)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		http.Error(w, "password required", http.StatusBadRequest)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.Admin.PasswordHash), []byte(req.Password)); err != nil {
		a.log.Warn("failed login from %s", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tk, exp, err := a.makeToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tk, "expiresAt": exp})
}

// GET /api/rules[?type=whitelist|blacklist]
func (a *Api) getRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if t := r.URL.Query().Get("type"); t != "" {
		list, err := a.app.Lists.List(ctx, models.RuleType(t))
		if err != nil {
			writeError(w, ruleStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	out := make(map[models.RuleType][]models.DomainRule, 2)
	for _, t := range []models.RuleType{models.RuleTypeBlacklist, models.RuleTypeWhitelist} {
		list, err := a.app.Lists.List(ctx, t)
		if err != nil {
			writeError(w, ruleStatus(err), err)
			return
		}
		out[t] = list
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/rules {domain,type,note}
func (a *Api) addRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string          `json:"domain"`
		Type   models.RuleType `json:"type"`
		Note   string          `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule, err := a.app.Lists.Add(r.Context(), req.Domain, req.Type, req.Note)
	if err != nil {
		writeError(w, ruleStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *Api) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.app.Lists.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, ruleStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleStatus(err error) int {
	switch {
	case errors.Is(err, rules.ErrInvalidDomain), errors.Is(err, rules.ErrInvalidType):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GET /api/rules/check?domain=
func (a *Api) checkDomain(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		http.Error(w, "domain required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":   domain,
		"blocked":  a.app.Rules.ShouldBlock(domain),
		"category": a.app.Rules.GetCategory(domain),
	})
}

func (a *Api) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.app.ReloadLists(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sizes": a.app.Rules.Sizes()})
}

func (a *Api) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.app.Settings())
}

func (a *Api) putSettings(w http.ResponseWriter, r *http.Request) {
	var s models.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	saved, err := a.app.UpdateSettings(r.Context(), s)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// GET /api/logs?limit=
func (a *Api) getLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, a.app.Ingest.Recent(limit))
}

func (a *Api) getStats(w http.ResponseWriter, r *http.Request) {
	sum, err := a.app.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *Api) clearStats(w http.ResponseWriter, r *http.Request) {
	if err := a.app.Stats.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) getProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.app.Health.Providers())
}

func (a *Api) getProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.app.Health.Snapshot())
}

// POST /api/providers/check[?id=&protocol=]
func (a *Api) checkProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		hc := a.app.Health.CheckProvider(r.Context(), id, models.Protocol(q.Get("protocol")))
		writeJSON(w, http.StatusOK, hc)
		return
	}
	writeJSON(w, http.StatusOK, a.app.Health.CheckAllProviders(r.Context()))
}

func (a *Api) getBestProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := a.app.Health.GetBestProvider()
	if !ok {
		http.Error(w, "no healthy provider", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "health": a.app.Health.Snapshot()[id]})
}

func (a *Api) getConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.app.Conn.State())
}

func (a *Api) connect(w http.ResponseWriter, r *http.Request) {
	a.connOp(w, a.app.Conn.Connect(r.Context()))
}

func (a *Api) disconnect(w http.ResponseWriter, r *http.Request) {
	a.connOp(w, a.app.Conn.Disconnect(r.Context()))
}

func (a *Api) foreground(w http.ResponseWriter, r *http.Request) {
	a.connOp(w, a.app.Conn.OnAppForeground(r.Context()))
}

func (a *Api) connOp(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, a.app.Conn.State())
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conn.ErrModuleUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, conn.ErrStartFailed):
		status = http.StatusBadGateway
	case errors.Is(err, conn.ErrPermissionDenied):
		status = http.StatusForbidden
	}
	writeError(w, status, err)
}
