package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
	"pushbot/internal/dispatch"
	"pushbot/internal/events"
	logx "pushbot/pkg/logx"
)

// Campaigns is implemented by *campaign.Controller.
type Campaigns interface {
	Create(ctx context.Context, actor string, s campaign.Spec) (campaign.Campaign, error)
	Get(ctx context.Context, id string) (campaign.Campaign, error)
	List(ctx context.Context, f campaign.Filter, p campaign.Page) ([]campaign.Campaign, error)
	Update(ctx context.Context, actor, id string, s campaign.Spec) (campaign.Campaign, error)
	Delete(ctx context.Context, actor, id string) error
	SendNow(ctx context.Context, actor, id string) (campaign.Campaign, error)
	Schedule(ctx context.Context, actor, id string, at time.Time) (campaign.Campaign, error)
	Cancel(ctx context.Context, actor, id string) (campaign.Campaign, error)
	Retract(ctx context.Context, actor, id string) (campaign.RetractResult, error)
	Logs(ctx context.Context, f delivery.Filter, p campaign.Page) ([]delivery.Entry, error)
	Stats(ctx context.Context) (campaign.Stats, error)
}

// Recipients is implemented by *directory.Service.
type Recipients interface {
	List(ctx context.Context, offset, limit int) ([]directory.Recipient, error)
	SetActive(ctx context.Context, id int64, active bool) (directory.Recipient, error)
}

type EventApplier interface {
	Apply(ctx context.Context, ev events.Event) (delivery.Entry, bool, error)
}

type RunLister interface {
	Runs() []dispatch.RunStatus
}

type AuditLister interface {
	ListAudit(ctx context.Context, campaignID string, limit int) ([]campaign.AuditRecord, error)
}

// Deps are the handlers' collaborators. Runs, Audit and Ping are optional.
type Deps struct {
	Campaigns  Campaigns
	Recipients Recipients
	Events     EventApplier
	Runs       RunLister
	Audit      AuditLister
	Ping       func(ctx context.Context) error
}

const (
	defaultActor = "admin"
	maxBodyBytes = 1 << 20
)

type Handler struct {
	deps Deps
	cfg  Config
	log  logx.Logger
}

func NewHandler(deps Deps, cfg Config, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{deps: deps, cfg: cfg, log: log}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.createCampaign)
			r.Get("/", h.listCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getCampaign)
				r.Put("/", h.updateCampaign)
				r.Delete("/", h.deleteCampaign)
				r.Post("/send", h.sendCampaign)
				r.Post("/schedule", h.scheduleCampaign)
				r.Post("/cancel", h.cancelCampaign)
				r.Post("/retract", h.retractCampaign)
				r.Get("/audit", h.campaignAudit)
			})
		})
		r.Get("/logs", h.listLogs)
		r.Get("/stats", h.stats)
		r.Get("/runs", h.runs)
		r.Get("/recipients", h.listRecipients)
		r.Put("/recipients/{id}/status", h.setRecipientStatus)
		r.Post("/events", h.channelEvent)
	})

	if h.cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(h.auth)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

// auth accepts either "Authorization: Bearer <token>" or ?token=<token>.
func (h *Handler) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(h.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())))
	})
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return defaultActor
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- campaigns ----

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var spec campaign.Spec
	if !decode(w, r, &spec) {
		return
	}
	c, err := h.deps.Campaigns.Create(r.Context(), actor(r), spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	var f campaign.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = campaign.Status(s)
		if !f.Status.Valid() {
			badRequest(w, "unknown status "+strconv.Quote(s))
			return
		}
	}
	items, err := h.deps.Campaigns.List(r.Context(), f, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, items, p)
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) updateCampaign(w http.ResponseWriter, r *http.Request) {
	var spec campaign.Spec
	if !decode(w, r, &spec) {
		return
	}
	c, err := h.deps.Campaigns.Update(r.Context(), actor(r), chi.URLParam(r, "id"), spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Campaigns.Delete(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Campaigns.SendNow(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

type scheduleRequest struct {
	At time.Time `json:"at"`
}

func (h *Handler) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.deps.Campaigns.Schedule(r.Context(), actor(r), chi.URLParam(r, "id"), req.At)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Campaigns.Cancel(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) retractCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Campaigns.Retract(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type auditView struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	OK     int       `json:"ok"`
	Fail   int       `json:"fail"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
	Meta   string    `json:"meta,omitempty"`
}

func (h *Handler) campaignAudit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "audit log not available"})
		return
	}
	p, ok := page(w, r)
	if !ok {
		return
	}
	recs, err := h.deps.Audit.ListAudit(r.Context(), chi.URLParam(r, "id"), p.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]auditView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, auditView{
			At: rec.At, Actor: rec.Actor, Action: rec.Action,
			OK: rec.OK, Fail: rec.Fail, Error: rec.Error, TookMS: rec.TookMS, Meta: rec.Meta,
		})
	}
	writeList(w, out, campaign.Page{Limit: p.Limit})
}

// ---- logs, stats, runs ----

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := delivery.Filter{CampaignID: q.Get("campaign_id")}
	if s := q.Get("recipient_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			badRequest(w, "recipient_id must be an integer")
			return
		}
		f.RecipientID = id
	}
	if s := q.Get("status"); s != "" {
		f.Status = delivery.Status(s)
		if !f.Status.Valid() {
			badRequest(w, "unknown status "+strconv.Quote(s))
			return
		}
	}
	items, err := h.deps.Campaigns.Logs(r.Context(), f, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, items, p)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Campaigns.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	runs := []dispatch.RunStatus{}
	if h.deps.Runs != nil {
		runs = append(runs, h.deps.Runs.Runs()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

// ---- recipients ----

func (h *Handler) listRecipients(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	items, err := h.deps.Recipients.List(r.Context(), p.Offset, p.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, items, p)
}

type statusRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) setRecipientStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "recipient id must be an integer")
		return
	}
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeValidation(w, []campaign.FieldError{{Field: "active", Message: "is required"}})
		return
	}
	rec, err := h.deps.Recipients.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---- channel callbacks ----

type eventResponse struct {
	Applied bool           `json:"applied"`
	Entry   delivery.Entry `json:"entry"`
}

func (h *Handler) channelEvent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "event feed not available"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	ev, err := events.Decode(body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	entry, applied, err := h.deps.Events.Apply(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Applied: applied, Entry: entry})
}

// fail maps domain errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *campaign.ValidationError
	switch {
	case errors.As(err, &ve):
		writeValidation(w, ve.Fields)
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, directory.ErrNotFound), errors.Is(err, delivery.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, campaign.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, events.ErrUnknownKind):
		badRequest(w, err.Error())
	case directory.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		h.log.Error("api request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
