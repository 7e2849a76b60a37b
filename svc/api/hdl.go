package api

import (
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/svc"
	"pastelite/svc/util"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
)

const (
	isoMillis  = "2006-01-02T15:04:05.000Z"
	retryAfter = "5"
	qrSize     = 256
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
	views *views
}

// CreateReq keeps the numeric fields raw so that strings, booleans and
// fractional numbers can be told apart from integers.
type CreateReq struct {
	Content    json.RawMessage `json:"content"`
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
	MaxViews   json.RawMessage `json:"max_views"`
}

type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PasteResp struct {
	Content        string  `json:"content"`
	RemainingViews *int64  `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())

	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	switch {
	case err == nil && mediaType == "application/json":
		h.createJSON(w, r)
	case err == nil && mediaType == "application/x-www-form-urlencoded":
		h.createForm(w, r)
	default:
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
	}
}

func (h *Hdl) bodyLimit() int64 {
	// JSON escaping can double the encoded size of the content.
	return h.cfg.MaxPasteSize*2 + 4096
}

func (h *Hdl) createJSON(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			log.Warn().Int64("limit", maxErr.Limit).Msg("request body exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrContentRequired, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	params, err := req.params()
	if err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	params.Origin = requestOrigin(r, h.cfg.TrustProxy)
	created, err := h.paste.Create(r.Context(), params)
	if err != nil {
		h.createFailed(w, r, err)
		return
	}
	logCreated(r, created)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: created.ID, URL: created.URL})
}

// createForm serves the HTML creation form and redirects to the share URL.
func (h *Hdl) createForm(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	if err := r.ParseForm(); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("unable to parse form")
		h.views.render(w, http.StatusBadRequest, "index", h.indexData("", "", "", domain.ErrInvalidRequest.Msg))
		return
	}
	content := r.PostFormValue("content")
	ttl := strings.TrimSpace(r.PostFormValue("ttl_seconds"))
	maxViews := strings.TrimSpace(r.PostFormValue("max_views"))
	params := domain.CreateParams{Content: content, Origin: requestOrigin(r, h.cfg.TrustProxy)}
	var err error
	if params.TTLSeconds, err = formInt(ttl, domain.ErrInvalidTTL); err == nil {
		params.MaxViews, err = formInt(maxViews, domain.ErrInvalidMaxViews)
	}
	if err == nil {
		var created *domain.Created
		created, err = h.paste.Create(r.Context(), params)
		if err == nil {
			logCreated(r, created)
			http.Redirect(w, r, created.URL, http.StatusSeeOther)
			return
		}
	}
	if !domain.IsValidation(err) {
		hlog.FromRequest(r).Error().Err(err).Str("request_id", requestID).Msg("failed to create paste")
		h.views.renderError(w, err)
		return
	}
	h.views.render(w, http.StatusBadRequest, "index", h.indexData(content, ttl, maxViews, domain.ToResp(err).Error.Msg))
}

func (h *Hdl) createFailed(w http.ResponseWriter, r *http.Request, err error) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	switch {
	case domain.IsValidation(err):
		log.Warn().Err(err).Msg("paste rejected")
	case domain.IsTransient(err):
		log.Warn().Err(err).Msg("store unavailable during create")
	default:
		log.Error().Err(err).Msg("failed to create paste")
	}
	writeErr(w, err, requestID)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	view, err := h.paste.Read(r.Context(), id)
	if err != nil {
		logReadFailure(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int64("views", view.ViewCount).
		Msg("paste retrieved")
	resp := PasteResp{
		Content:        view.Content,
		RemainingViews: view.RemainingViews,
	}
	if view.ExpiresAt != nil {
		ts := formatMillis(*view.ExpiresAt)
		resp.ExpiresAt = &ts
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, http.StatusOK, "index", h.indexData("", "", "", ""))
}

func (h *Hdl) ViewPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.paste.Read(r.Context(), id)
	if err != nil {
		logReadFailure(r, id, err)
		h.views.renderError(w, err)
		return
	}
	hlog.FromRequest(r).Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int64("views", view.ViewCount).
		Msg("paste viewed")
	h.views.render(w, http.StatusOK, "paste", pastePageData{
		View:     view,
		ShareURL: h.paste.ShareURL(requestOrigin(r, h.cfg.TrustProxy), view.ID),
	})
}

// PasteQR encodes the share URL. It only inspects the paste, so fetching the
// image never spends a view.
func (h *Hdl) PasteQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.paste.Inspect(r.Context(), id); err != nil {
		logReadFailure(r, id, err)
		h.views.renderError(w, err)
		return
	}
	png, err := qrcode.Encode(h.paste.ShareURL(requestOrigin(r, h.cfg.TrustProxy), id), qrcode.Medium, qrSize)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("paste_id", id).Msg("qr encode failed")
		h.views.renderError(w, domain.ErrInternalServer)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// NotFound answers unmatched routes with HTML for browsers and JSON for
// everything else.
func (h *Hdl) NotFound(w http.ResponseWriter, r *http.Request) {
	if acceptsHTML(r) {
		h.views.render(w, http.StatusNotFound, "error", errorPageData{
			Title:   "Page Not Found",
			Message: "The page you are looking for does not exist",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"error": domain.ErrRouteNotFound.Msg})
}

func (h *Hdl) indexData(content, ttl, maxViews, errMsg string) indexPageData {
	return indexPageData{
		Content:  content,
		TTL:      ttl,
		MaxViews: maxViews,
		Error:    errMsg,
		MaxBytes: h.cfg.MaxPasteSize,
	}
}

func (req CreateReq) params() (domain.CreateParams, error) {
	var p domain.CreateParams
	raw := strings.TrimSpace(string(req.Content))
	if raw == "" || raw[0] != '"' {
		return p, domain.ErrContentRequired
	}
	if err := json.Unmarshal(req.Content, &p.Content); err != nil {
		return p, domain.ErrContentRequired
	}
	var err error
	if p.TTLSeconds, err = jsonInt(req.TTLSeconds, domain.ErrInvalidTTL); err != nil {
		return p, err
	}
	if p.MaxViews, err = jsonInt(req.MaxViews, domain.ErrInvalidMaxViews); err != nil {
		return p, err
	}
	return p, nil
}

// jsonInt accepts a JSON number with an integral value. Absent and null both
// mean no value. Range checks are left to the engine.
func jsonInt(raw json.RawMessage, invalid error) (*int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if s[0] != '-' && (s[0] < '0' || s[0] > '9') {
		return nil, invalid
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return nil, invalid
	}
	n := int64(f)
	return &n, nil
}

func formInt(s string, invalid error) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, invalid
	}
	return &n, nil
}

func requestOrigin(r *http.Request, trustProxy bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host
}

func acceptsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoMillis)
}

func logCreated(r *http.Request, c *domain.Created) {
	hlog.FromRequest(r).Info().
		Str("paste_id", c.ID).
		Bool("ttl", c.ExpiresAt != nil).
		Bool("max_views", c.MaxViews != nil).
		Msg("paste created")
}

func logReadFailure(r *http.Request, id string, err error) {
	log := hlog.FromRequest(r)
	switch {
	case domain.IsUnavailable(err):
		log.Info().Err(err).Str("paste_id", id).Msg("paste unavailable")
	case domain.IsTransient(err):
		log.Warn().Err(err).Str("paste_id", id).Msg("store unavailable during read")
	default:
		log.Error().Err(err).Str("paste_id", id).Msg("read failed")
	}
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if domain.IsTransient(err) {
		w.Header().Set("Retry-After", retryAfter)
	} else if statusCode >= 500 {
		errorMsg = domain.ErrInternalServer.Msg
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
