package relay

import (
	"net/http"
	nethttputil "net/http/httputil"
	"net/url"
	"os"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/config"
	"tenantgate/pkg/contextkeys"
	"tenantgate/pkg/httputil"
	"tenantgate/pkg/observability"
)

// Handler validates bearer tokens and forwards authorized requests to the
// downstream target whose path prefix matches
type Handler struct {
	validator *Validator
	routes    *config.RouteTable
	proxies   map[string]*nethttputil.ReverseProxy

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewHandler builds the relay. One reverse proxy per route, created up front
// so a bad target URL fails at startup rather than on the first request.
func NewHandler(validator *Validator, routes *config.RouteTable, logger *observability.Logger, metrics *observability.Metrics) (*Handler, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	proxies := make(map[string]*nethttputil.ReverseProxy, len(routes.Routes))
	for _, route := range routes.Routes {
		target, err := url.Parse(route.Target)
		if err != nil {
			return nil, err
		}
		proxy := nethttputil.NewSingleHostReverseProxy(target)
		baseDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			baseDirector(req)
			// The session cookie never crosses the trust boundary;
			// downstream services see only the scoped bearer token
			req.Header.Del("Cookie")
		}
		routeName := route.Name
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WithError(err).WithField("target", routeName).Error("downstream request failed")
			httputil.WriteErrorMessage(w, http.StatusBadGateway, "downstream unavailable")
		}
		proxies[route.Prefix] = proxy
	}

	return &Handler{
		validator: validator,
		routes:    routes,
		proxies:   proxies,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	result := h.validator.Validate(r.Context(), token)
	if !result.Valid() {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
			"error": string(result.Status),
		})
		return
	}

	route, ok := h.routes.Match(r.URL.Path)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "no route for path")
		return
	}

	if h.metrics != nil {
		h.metrics.RelayForwardedTotal.WithLabelValues(route.Name).Inc()
	}

	ctx := contextkeys.WithClaims(r.Context(), result.Claims)
	ctx = contextkeys.WithWorkspaceID(ctx, result.Claims.WorkspaceID)
	h.proxies[route.Prefix].ServeHTTP(w, r.WithContext(ctx))
}

// ValidateOnly is the introspection endpoint handler: it reports the
// validation result for the presented token without forwarding anything
func (h *Handler) ValidateOnly(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteJSON(w, http.StatusOK, introspection{Active: false, Status: string(auth.StatusMalformed)})
		return
	}

	result := h.validator.Validate(r.Context(), token)
	if !result.Valid() {
		httputil.WriteJSON(w, http.StatusOK, introspection{Active: false, Status: string(result.Status)})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, introspection{
		Active:      true,
		Status:      string(result.Status),
		Subject:     result.Claims.Subject,
		WorkspaceID: result.Claims.WorkspaceID,
		Roles:       result.Claims.Roles.Strings(),
		ExpiresAt:   result.Claims.ExpiresAt.Unix(),
	})
}

type introspection struct {
	Active      bool     `json:"active"`
	Status      string   `json:"status"`
	Subject     string   `json:"sub,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}
