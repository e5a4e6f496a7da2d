package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// askRequest is the body of POST /api/ask and /api/submit (§6).
type askRequest struct {
	Provider    string `json:"provider"`
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
}

// tokensView mirrors gateway.Usage with the field names §8's scenarios use.
type tokensView struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// requestView is the JSON shape returned by /api/ask, /api/submit, /api/query.
type requestView struct {
	RequestID    string      `json:"request_id"`
	Status       string      `json:"status"`
	Provider     string      `json:"provider"`
	ProviderUsed string      `json:"provider_used,omitempty"`
	Response     string      `json:"response,omitempty"`
	Tokens       *tokensView `json:"tokens,omitempty"`
	Cached       bool        `json:"cached,omitempty"`
	Error        *apiError   `json:"error,omitempty"`
}

func (s *server) validateAsk(w http.ResponseWriter, in *askRequest) bool {
	if in.Provider == "" || in.Message == "" {
		writeErr(w, http.StatusBadRequest, gateway.KindValidation, "provider and message are required")
		return false
	}
	desc, ok := s.provider(in.Provider)
	if !ok || !desc.Enabled {
		writeErr(w, http.StatusBadRequest, gateway.KindValidation, "unknown or disabled provider")
		return false
	}
	return true
}

// newRequest constructs a queued Request row for in, owned by identity.
func (s *server) newRequest(in askRequest, identity gateway.Identity, fingerprint string) *gateway.Request {
	desc, _ := s.provider(in.Provider)
	deadline := desc.Timeout
	if deadline <= 0 {
		deadline = s.deps.DefaultDeadline
	}
	// Headroom for retry attempts and fallback hops beyond a single call.
	deadline *= 4

	return &gateway.Request{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Provider:    in.Provider,
		Model:       in.Model,
		Agent:       in.Agent,
		Prompt:      in.Message,
		Priority:    in.Priority,
		SubmittedAt: time.Now(),
		Deadline:    time.Now().Add(deadline),
		Status:      gateway.StatusQueued,
		APIKeyID:    identity.KeyID,
		Fingerprint: fingerprint,
		BypassCache: in.BypassCache,
		Stream:      in.Stream,
	}
}

func (s *server) recordCacheLookup(hit bool) {
	if s.deps.Metrics == nil {
		return
	}
	if hit {
		s.deps.Metrics.CacheHits.Inc()
	} else {
		s.deps.Metrics.CacheMisses.Inc()
	}
}

func (s *server) enqueue(ctx context.Context, req *gateway.Request) error {
	if err := s.deps.Store.PutRequest(ctx, req); err != nil {
		return err
	}
	desc, _ := s.provider(req.Provider)
	if err := s.deps.Queue.Enqueue(req, desc.FallbackChain); err != nil {
		return err
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(gateway.Event{Type: gateway.EventRequestSubmitted, RequestID: req.ID, Timestamp: time.Now()})
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RequestsSubmitted.WithLabelValues(req.Provider).Inc()
	}
	return nil
}

// handleAsk implements POST /api/ask?wait=&timeout=.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var in askRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if !s.validateAsk(w, &in) {
		return
	}

	identity, _ := gateway.IdentityFromContext(r.Context())
	fingerprint := gateway.Fingerprint(in.Provider, in.Model, in.Agent, in.Message)
	wait := r.URL.Query().Get("wait") == "true"

	if !wait {
		s.submitAsync(w, r, in, identity, fingerprint)
		return
	}
	s.submitAndWait(w, r, in, identity, fingerprint)
}

// handleSubmit implements POST /api/submit: always async, no caching.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in askRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if !s.validateAsk(w, &in) {
		return
	}
	identity, _ := gateway.IdentityFromContext(r.Context())
	fingerprint := gateway.Fingerprint(in.Provider, in.Model, in.Agent, in.Message)

	req := s.newRequest(in, identity, fingerprint)
	if err := s.enqueue(r.Context(), req); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusAccepted, requestView{RequestID: req.ID, Status: string(gateway.StatusQueued), Provider: req.Provider})
}

// submitAsync handles ?wait=false: a non-blocking cache peek, then enqueue
// on miss. It never coalesces concurrent identical submissions since there
// is nothing here to wait on.
func (s *server) submitAsync(w http.ResponseWriter, r *http.Request, in askRequest, identity gateway.Identity, fingerprint string) {
	if !in.BypassCache && s.deps.Cache != nil {
		entry, hit := s.deps.Cache.Get(r.Context(), fingerprint)
		s.recordCacheLookup(hit)
		if hit {
			writeData(w, http.StatusOK, cachedView(entry))
			return
		}
	}
	req := s.newRequest(in, identity, fingerprint)
	if err := s.enqueue(r.Context(), req); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, requestView{RequestID: req.ID, Status: string(gateway.StatusQueued), Provider: req.Provider})
}

// submitAndWait handles ?wait=true: cache hits and concurrent identical
// submissions are coalesced through cache.Manager.Coalesce (§4.4), so that
// at most one upstream call is ever in flight per fingerprint.
func (s *server) submitAndWait(w http.ResponseWriter, r *http.Request, in askRequest, identity gateway.Identity, fingerprint string) {
	waitTimeout := s.waitTimeout(r)
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()

	if in.BypassCache || s.deps.Cache == nil {
		view, err := s.submitBlocking(ctx, in, identity, fingerprint)
		s.respondView(w, view, err)
		return
	}

	entry, hit := s.deps.Cache.Get(ctx, fingerprint)
	s.recordCacheLookup(hit)
	if hit {
		writeData(w, http.StatusOK, cachedView(entry))
		return
	}

	entry, _, err := s.deps.Cache.Coalesce(fingerprint, func() (gateway.CacheEntry, error) {
		view, err := s.submitBlocking(ctx, in, identity, fingerprint)
		if err != nil {
			return gateway.CacheEntry{}, err
		}
		if view.Error != nil {
			return gateway.CacheEntry{}, gateway.ErrPermanentBackend
		}
		return gateway.CacheEntry{
			Fingerprint:  fingerprint,
			RequestID:    view.RequestID,
			Text:         view.Response,
			Usage:        usageFromTokens(view.Tokens),
			ProviderUsed: view.ProviderUsed,
			StoredAt:     time.Now(),
		}, nil
	})
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	if err := s.deps.Cache.Put(ctx, entry); err != nil {
		slog.Warn("intake: cache put failed", "fingerprint", fingerprint, "error", err)
	}
	view := cachedView(entry)
	view.Status = string(gateway.StatusCompleted)
	view.Cached = false
	writeData(w, http.StatusOK, view)
}

// submitBlocking enqueues a fresh request and blocks until it reaches a
// terminal state or ctx expires.
func (s *server) submitBlocking(ctx context.Context, in askRequest, identity gateway.Identity, fingerprint string) (requestView, error) {
	req := s.newRequest(in, identity, fingerprint)
	if err := s.enqueue(ctx, req); err != nil {
		return requestView{}, err
	}

	final, resp, err := s.waitForTerminal(ctx, req.ID)
	if err != nil {
		return requestView{}, err
	}
	return buildView(final, resp), nil
}

// waitForTerminal blocks until request id reaches a terminal status,
// subscribing to the event bus rather than polling the store (§5 suspension
// points). Returns gateway.ErrTimedOut if ctx expires first.
func (s *server) waitForTerminal(ctx context.Context, id string) (*gateway.Request, *gateway.Response, error) {
	req, err := s.deps.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.Terminal() {
		resp, _ := s.deps.Store.GetResponse(ctx, id)
		return req, resp, nil
	}

	if s.deps.Bus == nil {
		return nil, nil, gateway.ErrTimedOut
	}
	sub := s.deps.Bus.Subscribe(gateway.ChannelRequests)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, gateway.ErrTimedOut
		case evt, ok := <-sub.Events():
			if !ok {
				return nil, nil, gateway.ErrTimedOut
			}
			if evt.RequestID != id {
				continue
			}
			switch evt.Type {
			case gateway.EventRequestCompleted, gateway.EventRequestFailed, gateway.EventRequestCancelled:
				req, err := s.deps.Store.GetRequest(ctx, id)
				if err != nil {
					return nil, nil, err
				}
				resp, _ := s.deps.Store.GetResponse(ctx, id)
				return req, resp, nil
			}
		}
	}
}

func (s *server) waitTimeout(r *http.Request) time.Duration {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return s.deps.DefaultWaitTimeout
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return s.deps.DefaultWaitTimeout
	}
	d := time.Duration(secs) * time.Second
	if d > s.deps.MaxWaitTimeout {
		d = s.deps.MaxWaitTimeout
	}
	return d
}

func (s *server) respondView(w http.ResponseWriter, view requestView, err error) {
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	status := http.StatusOK
	writeData(w, status, view)
}

func buildView(req *gateway.Request, resp *gateway.Response) requestView {
	view := requestView{RequestID: req.ID, Status: string(req.Status), Provider: req.Provider}
	if resp == nil {
		return view
	}
	view.ProviderUsed = resp.ProviderUsed
	view.Cached = resp.Cached
	if resp.ErrorKind != "" {
		view.Error = &apiError{Code: string(resp.ErrorKind), Message: resp.ErrorMessage}
		return view
	}
	view.Response = resp.Text
	view.Tokens = &tokensView{Prompt: resp.Usage.PromptTokens, Completion: resp.Usage.CompletionTokens, Total: resp.Usage.TotalTokens}
	return view
}

func cachedView(entry gateway.CacheEntry) requestView {
	return requestView{
		RequestID:    entry.RequestID,
		Status:       string(gateway.StatusCompleted),
		ProviderUsed: entry.ProviderUsed,
		Response:     entry.Text,
		Tokens:       &tokensView{Prompt: entry.Usage.PromptTokens, Completion: entry.Usage.CompletionTokens, Total: entry.Usage.TotalTokens},
		Cached:       true,
	}
}

func usageFromTokens(t *tokensView) gateway.Usage {
	if t == nil {
		return gateway.Usage{}
	}
	return gateway.Usage{PromptTokens: t.Prompt, CompletionTokens: t.Completion, TotalTokens: t.Total}
}

// handleQuery implements GET /api/query/{id}.
func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.deps.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	var resp *gateway.Response
	if req.Status.Terminal() {
		resp, _ = s.deps.Store.GetResponse(r.Context(), id)
	}
	writeData(w, http.StatusOK, buildView(req, resp))
}

// handleCancel implements DELETE /api/request/{id}.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.deps.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	if req.Status.Terminal() {
		writeErr(w, http.StatusConflict, gateway.KindConflict, "request already in a terminal state")
		return
	}

	if s.deps.Queue.Remove(id) {
		if err := s.deps.Store.Transition(r.Context(), id, gateway.StatusQueued, gateway.StatusCancelled, nil); err != nil {
			writeGatewayErr(w, err)
			return
		}
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(gateway.Event{Type: gateway.EventRequestCancelled, RequestID: id, Timestamp: time.Now()})
		}
		writeData(w, http.StatusOK, requestView{RequestID: id, Status: string(gateway.StatusCancelled)})
		return
	}

	if s.deps.Dispatcher != nil && s.deps.Dispatcher.Cancel(id) {
		writeData(w, http.StatusOK, requestView{RequestID: id, Status: string(gateway.StatusCancelled)})
		return
	}

	writeErr(w, http.StatusConflict, gateway.KindConflict, "request is not cancellable")
}

// handleListRequests implements GET /api/requests.
func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{Status: gateway.Status(q.Get("status")), Provider: q.Get("provider")}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	reqs, err := s.deps.Store.ListRequests(r.Context(), filter, store.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		var resp *gateway.Response
		if req.Status.Terminal() {
			resp, _ = s.deps.Store.GetResponse(r.Context(), req.ID)
		}
		views = append(views, buildView(req, resp))
	}
	writeData(w, http.StatusOK, views)
}
