package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"resolvd/internal/artistinfo"
	"resolvd/internal/infosystem"
	"resolvd/internal/pipeline"
	"resolvd/internal/query"
	"resolvd/internal/registry"
)

type ResolveRequest struct {
	Artist     string `json:"artist"`
	Track      string `json:"track"`
	Album      string `json:"album"`
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms"`
}

type ResultResponse struct {
	Artist     string  `json:"artist"`
	Track      string  `json:"track"`
	Album      string  `json:"album,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Locator    string  `json:"locator"`
	Source     string  `json:"source"`
	Score      float64 `json:"score"`
}

type QueryResponse struct {
	ID        string           `json:"id"`
	Artist    string           `json:"artist,omitempty"`
	Track     string           `json:"track,omitempty"`
	Album     string           `json:"album,omitempty"`
	FullText  string           `json:"full_text,omitempty"`
	State     string           `json:"state"`
	Best      *ResultResponse  `json:"best,omitempty"`
	Results   []ResultResponse `json:"results"`
	CreatedAt string           `json:"created_at"`
	SettledAt *string          `json:"settled_at,omitempty"`
}

type ResolverResponse struct {
	ID           string  `json:"id"`
	Priority     int     `json:"priority"`
	Weight       float64 `json:"weight"`
	Online       bool    `json:"online"`
	Capacity     int     `json:"capacity"`
	Capabilities string  `json:"capabilities"`
}

type ArtistResponse struct {
	Artist          string          `json:"artist"`
	Biography       string          `json:"biography,omitempty"`
	BiographySource string          `json:"biography_source,omitempty"`
	Similar         []string        `json:"similar"`
	TopHits         []QueryResponse `json:"top_hits"`
	Complete        bool            `json:"complete"`
}

type InfoResponse struct {
	Type    string             `json:"type"`
	Payload infosystem.Payload `json:"payload"`
}

const timeLayout = "2006-01-02 15:04:05"

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var opts []query.Option
	if req.DurationMS > 0 {
		opts = append(opts, query.WithDuration(time.Duration(req.DurationMS)*time.Millisecond))
	}

	var (
		q   *query.Query
		err error
	)
	if strings.TrimSpace(req.Text) != "" {
		q, err = query.NewFullText(req.Text, opts...)
	} else {
		q, err = query.New(req.Artist, req.Track, req.Album, opts...)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := s.tracker.Track(q)
	if err := s.deps.Pipeline.Resolve(q); err != nil {
		s.tracker.Remove(q.ID())
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("Resolving %s (%s)", q, q.ID())
	s.watch(q)

	if r.URL.Query().Get("wait") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout())
		defer cancel()
		if _, err := s.deps.Pipeline.Wait(ctx, q); err != nil && !errors.Is(err, pipeline.ErrResolutionExhausted) {
			s.logger.Debug("Wait for %s ended: %v", q.ID(), err)
		}
		if e, err := s.tracker.Get(q.ID()); err == nil {
			entry = e
		}
	}

	writeJSON(w, http.StatusAccepted, s.queryToResponse(entry))
}

// watch marks q settled in the tracker once its round ends.
func (s *Server) watch(q *query.Query) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		if _, err := s.deps.Pipeline.Wait(s.ctx, q); err != nil && s.ctx.Err() != nil {
			return
		}
		s.tracker.MarkSettled(q.ID())
	}()
}

func (s *Server) waitTimeout() time.Duration {
	if d := s.config.ExhaustTimeout + s.config.ResolverTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	entries := s.tracker.List()
	responses := make([]QueryResponse, len(entries))
	for i, e := range entries {
		responses[i] = s.queryToResponse(e)
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	e, err := s.tracker.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.queryToResponse(e))
}

func (s *Server) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	e, err := s.tracker.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.deps.Pipeline.Cancel(e.Query)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.tracker.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.deps.Pipeline.Cancel(e.Query)
	s.tracker.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListResolvers(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Registry.All()
	out := make([]ResolverResponse, len(all))
	for i, d := range all {
		out[i] = ResolverResponse{
			ID:           d.ID,
			Priority:     d.Priority,
			Weight:       d.Weight,
			Online:       d.Online,
			Capacity:     d.Capacity,
			Capabilities: d.Capabilities.String(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetOnline handles POST /api/resolvers/{id}/online and .../offline.
func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	var online bool
	switch r.PathValue("state") {
	case "online":
		online = true
	case "offline":
	default:
		writeError(w, http.StatusNotFound, "state must be online or offline")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Registry.SetOnline(id, online); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("Resolver %s set %s", id, r.PathValue("state"))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "online": online})
}

// handleArtist loads an artist page and answers once every info request
// and top hit query has settled, or the deadline passes.
func (s *Server) handleArtist(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, artistinfo.ErrNoArtist.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.artistTimeout())
	defer cancel()

	page := artistinfo.New(s.deps.Info, s.deps.Pipeline, s.logger)
	defer page.Close()

	changed := make(chan struct{}, 1)
	page.OnChange(func(artistinfo.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := page.Load(name); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	snap := page.Snapshot()
	for snap.Pending > 0 && ctx.Err() == nil {
		select {
		case <-changed:
		case <-ctx.Done():
		}
		snap = page.Snapshot()
	}

	complete := snap.Pending == 0
	resp := ArtistResponse{
		Artist:          snap.Artist,
		Biography:       snap.Biography,
		BiographySource: snap.BiographySource,
		Similar:         snap.Similar,
		TopHits:         make([]QueryResponse, 0, len(snap.TopHits)),
	}
	if resp.Similar == nil {
		resp.Similar = []string{}
	}
	for _, q := range snap.TopHits {
		if _, err := s.deps.Pipeline.Wait(ctx, q); err != nil && ctx.Err() != nil {
			complete = false
		}
		resp.TopHits = append(resp.TopHits, s.queryToResponse(Entry{Query: q, CreatedAt: q.CreatedAt()}))
	}
	resp.Complete = complete

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) artistTimeout() time.Duration {
	d := s.config.InfoTimeout
	if d <= 0 {
		d = infosystem.DefaultOptions().DefaultTimeout
	}
	return d + s.config.ExhaustTimeout
}

type infoReply struct {
	payload infosystem.Payload
	err     error
}

const replyKey = "reply"

// handleInfo handles GET /api/info?type=lyrics&artist=..&track=.. and the
// other info types. Any query parameter other than type becomes an input
// field; text sets the free text input.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	typ, err := infosystem.ParseType(params.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := infosystem.Input{Text: params.Get("text"), Fields: make(map[string]string)}
	for key := range params {
		if key != "type" && key != "text" {
			in.Fields[key] = params.Get(key)
		}
	}

	reply := make(chan infoReply, 1)
	id, err := s.deps.Info.Submit(infosystem.RequestData{
		Caller:     caller,
		Type:       typ,
		Input:      in,
		CustomData: map[string]any{replyKey: reply},
	})
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, infosystem.ErrNoBackend) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	select {
	case res := <-reply:
		switch {
		case errors.Is(res.err, infosystem.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, res.err.Error())
		case res.err != nil:
			writeError(w, http.StatusBadGateway, res.err.Error())
		default:
			writeJSON(w, http.StatusOK, InfoResponse{Type: typ.String(), Payload: res.payload})
		}
	case <-r.Context().Done():
		s.deps.Info.Cancel(caller, id)
	}
}

// onInfo routes responses back to the handler waiting on them.
func (s *Server) onInfo(rd infosystem.RequestData, payload infosystem.Payload, err error) {
	reply, ok := rd.CustomData[replyKey].(chan infoReply)
	if !ok {
		s.logger.Warn("Info response %d without a reply channel", rd.RequestID)
		return
	}
	reply <- infoReply{payload: payload, err: err}
}

func (s *Server) queryToResponse(e Entry) QueryResponse {
	q := e.Query
	resp := QueryResponse{
		ID:        q.ID(),
		Artist:    q.Artist(),
		Track:     q.Track(),
		Album:     q.Album(),
		FullText:  q.FullText(),
		State:     q.State().String(),
		Results:   []ResultResponse{},
		CreatedAt: e.CreatedAt.Format(timeLayout),
	}
	for _, res := range q.Results() {
		resp.Results = append(resp.Results, resultToResponse(res))
	}
	if best, ok := q.BestResult(); ok {
		b := resultToResponse(best)
		resp.Best = &b
	}
	if e.SettledAt != nil {
		settled := e.SettledAt.Format(timeLayout)
		resp.SettledAt = &settled
	}
	return resp
}

func resultToResponse(r query.Result) ResultResponse {
	return ResultResponse{
		Artist:     r.Artist,
		Track:      r.Track,
		Album:      r.Album,
		DurationMS: r.Duration.Milliseconds(),
		Locator:    r.Locator,
		Source:     r.Source,
		Score:      r.Score,
	}
}
