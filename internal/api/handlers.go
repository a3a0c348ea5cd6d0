package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/craigderington/portswitch/internal/proxy"
	"github.com/craigderington/portswitch/internal/storage"
	"github.com/craigderington/portswitch/pkg/types"
)

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"proxy":  s.supervisor.Status().State,
		"time":   time.Now().UTC(),
	})
}

// handleGetProxy returns the current proxy status
func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.supervisor.Status())
}

// handleSetProxy applies a new proxy configuration and waits for the outcome
func (s *Server) handleSetProxy(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	s.applyConfig(w, r, req.ToConfig())
}

// handleDisableProxy stops the proxy, waiting for open connections to drain
func (s *Server) handleDisableProxy(w http.ResponseWriter, r *http.Request) {
	s.applyConfig(w, r, types.Disabled())
}

// applyConfig hands config to the supervisor and maps the outcome to a response
func (s *Server) applyConfig(w http.ResponseWriter, r *http.Request, config types.ProxyConfig) {
	if !s.applyAndPersist(w, r, config) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.supervisor.Status())
}

// applyAndPersist applies config and stores it once it took effect. On failure
// it writes the error response and returns false.
func (s *Server) applyAndPersist(w http.ResponseWriter, r *http.Request, config types.ProxyConfig) bool {
	err := s.supervisor.Apply(r.Context(), config)

	var bindErr *proxy.BindError
	switch {
	case err == nil:
	case errors.Is(err, types.ErrForwardToListenPort),
		errors.Is(err, types.ErrEmptyTargetHost),
		errors.Is(err, types.ErrUnknownMode):
		s.ValidationError(w, err.Error(), nil)
		return false
	case errors.As(err, &bindErr):
		s.PortUnavailable(w, bindErr.Addr, bindErr.Err.Error())
		return false
	case errors.Is(err, proxy.ErrSupervisorStopped):
		s.ServiceUnavailableError(w, "Proxy supervisor is not running")
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.TimeoutError(w, "Timed out waiting for the proxy to apply the configuration")
		return false
	default:
		s.logger.Error().Err(err).Str("config", config.String()).Msg("Failed to apply proxy configuration")
		s.InternalError(w, "Failed to apply proxy configuration")
		return false
	}

	s.logger.Info().Str("config", config.String()).Msg("Proxy configuration applied")

	if s.store != nil {
		if err := s.store.SaveConfig(r.Context(), config); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist proxy configuration")
		}
	}
	return true
}

// handleGetBreakers returns circuit breaker state per target address
func (s *Server) handleGetBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		s.respondJSON(w, http.StatusOK, map[string]proxy.CircuitBreakerStats{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.breakers.GetAllStats())
}

// handleListTargets returns all saved targets
func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list targets")
		s.InternalError(w, "Failed to list targets")
		return
	}

	s.respondJSON(w, http.StatusOK, targets)
}

// handleCreateTarget saves a new named target
func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	var req CreateTargetRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if _, err := s.store.GetTarget(r.Context(), req.Name); err == nil {
		s.TargetExists(w, req.Name)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Str("name", req.Name).Msg("Failed to look up target")
		s.InternalError(w, "Failed to save target")
		return
	}

	target := &types.NamedTarget{
		Name:   req.Name,
		Target: types.ForwardTarget{Host: strings.TrimSpace(req.Host), Port: uint16(req.Port)},
	}
	if !s.requireUniqueAddress(w, r, target.Target, "") {
		return
	}
	if err := s.store.SaveTarget(r.Context(), target); err != nil {
		s.logger.Error().Err(err).Str("name", req.Name).Msg("Failed to save target")
		s.InternalError(w, "Failed to save target")
		return
	}

	s.logger.Info().
		Str("name", target.Name).
		Str("target", target.Target.Address()).
		Msg("Target saved")

	s.refreshTargetGauge(r.Context())
	s.events.BroadcastTargetsChanged("created", target.Name)
	s.respondJSON(w, http.StatusCreated, target)
}

// handleGetTarget returns a saved target
func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	name := mux.Vars(r)["name"]
	target, ok := s.lookupTarget(w, r, name)
	if !ok {
		return
	}

	s.respondJSON(w, http.StatusOK, target)
}

// handleUpdateTarget points a saved target at a new address. When the proxy
// is forwarding to the old address it is switched to the new one first.
func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	var req UpdateTargetRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	name := mux.Vars(r)["name"]
	target, ok := s.lookupTarget(w, r, name)
	if !ok {
		return
	}

	updated := types.ForwardTarget{Host: strings.TrimSpace(req.Host), Port: uint16(req.Port)}
	if !s.requireUniqueAddress(w, r, updated, name) {
		return
	}

	status := s.supervisor.Status()
	if status.State == types.ProxyStateRunning && status.Target != nil &&
		*status.Target == target.Target && updated != target.Target {
		config := types.Enabled(status.ListenPort, updated).WithMode(status.Mode)
		if !s.applyAndPersist(w, r, config) {
			return
		}
	}

	previous := target.Target
	target.Target = updated
	if err := s.store.SaveTarget(r.Context(), target); err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to save target")
		s.InternalError(w, "Failed to save target")
		return
	}

	s.logger.Info().
		Str("name", name).
		Str("previous", previous.Address()).
		Str("target", updated.Address()).
		Msg("Target updated")

	s.events.BroadcastTargetsChanged("updated", name)
	s.respondJSON(w, http.StatusOK, target)
}

// handleDeleteTarget removes a saved target. The running proxy is not affected.
func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	name := mux.Vars(r)["name"]
	if err := s.store.DeleteTarget(r.Context(), name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.TargetNotFound(w, name)
			return
		}
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to delete target")
		s.InternalError(w, "Failed to delete target")
		return
	}

	s.logger.Info().Str("name", name).Msg("Target deleted")

	s.refreshTargetGauge(r.Context())
	s.events.BroadcastTargetsChanged("deleted", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateTarget enables the proxy forwarding to a saved target
func (s *Server) handleActivateTarget(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	// The body is optional
	var req ActivateTargetRequest
	if r.ContentLength != 0 {
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
	}

	name := mux.Vars(r)["name"]
	target, ok := s.lookupTarget(w, r, name)
	if !ok {
		return
	}

	activePort, activeMode := s.activeSettings(r.Context())

	listenPort := uint16(req.ListenPort)
	if listenPort == 0 {
		listenPort = activePort
	}
	if listenPort == 0 {
		s.ValidationError(w, "Validation failed", []ValidationError{{
			Field:   "listenPort",
			Message: "listenPort is required when no listen port is configured",
		}})
		return
	}

	mode := activeMode
	if req.Mode != "" {
		mode, _ = types.ParseMode(req.Mode)
	}
	s.metrics.TargetActivations.Inc()
	s.applyConfig(w, r, types.Enabled(listenPort, target.Target).WithMode(mode))
}

// activeSettings returns the listen port and mode of the running listener,
// the last stored configuration or the configured default, in that order
func (s *Server) activeSettings(ctx context.Context) (uint16, types.Mode) {
	if status := s.supervisor.Status(); status.State == types.ProxyStateRunning {
		return status.ListenPort, status.Mode
	}

	if config, err := s.store.LoadConfig(ctx); err == nil && config.ListenPort != 0 {
		return config.ListenPort, config.EffectiveMode()
	}

	return s.defaultListenPort, types.ModeTCP
}

// requireUniqueAddress answers 409 when a target other than except already
// forwards to addr
func (s *Server) requireUniqueAddress(w http.ResponseWriter, r *http.Request, addr types.ForwardTarget, except string) bool {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list targets")
		s.InternalError(w, "Failed to save target")
		return false
	}

	for _, t := range targets {
		if t.Name != except && t.Target.Port == addr.Port && strings.EqualFold(t.Target.Host, addr.Host) {
			s.DuplicateTarget(w, t.Name, addr)
			return false
		}
	}
	return true
}

func (s *Server) lookupTarget(w http.ResponseWriter, r *http.Request, name string) (*types.NamedTarget, bool) {
	target, err := s.store.GetTarget(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.TargetNotFound(w, name)
			return nil, false
		}
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to get target")
		s.InternalError(w, "Failed to get target")
		return nil, false
	}
	return target, true
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.ServiceUnavailableError(w, "Target storage is not configured")
		return false
	}
	return true
}

func (s *Server) refreshTargetGauge(ctx context.Context) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count saved targets")
		return
	}
	s.metrics.TargetsSaved.Set(float64(len(targets)))
}
