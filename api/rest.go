package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/syssam/objectql"
	"github.com/syssam/objectql/driver"
)

// handleList serves GET /api/data/{object}. The query string carries
// the listing controls: fields, filter (JSON), sort ("field desc" keys
// or JSON), limit, skip and expand. An explicit limit=0 short-circuits
// to the bare count.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	repo := ctx.Object(chi.URLParam(r, "object"))
	args, countOnly, err := listArgs(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if countOnly {
		total, err := repo.Count(r.Context(), args.Filters)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"total": total})
		return
	}
	q, err := args.toQuery(chi.URLParam(r, "object"))
	if err != nil {
		writeError(w, err)
		return
	}
	q.WithCount = true
	res, err := repo.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, listPayload(q, res))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var q *driver.Query
	if fields := r.URL.Query().Get("fields"); fields != "" {
		q = &driver.Query{Fields: splitList(fields)}
	}
	rec, err := ctx.Object(chi.URLParam(r, "object")).FindOne(r.Context(), chi.URLParam(r, "id"), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, objectql.NewErrorf(objectql.CodeNotFound, "%s %q not found",
			chi.URLParam(r, "object"), chi.URLParam(r, "id")))
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var data driver.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, objectql.NewErrorf(objectql.CodeValidation, "malformed body: %v", err))
		return
	}
	rec, err := ctx.Object(chi.URLParam(r, "object")).Create(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var data driver.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, objectql.NewErrorf(objectql.CodeValidation, "malformed body: %v", err))
		return
	}
	rec, err := ctx.Object(chi.URLParam(r, "object")).Update(r.Context(), chi.URLParam(r, "id"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ctx.Object(chi.URLParam(r, "object")).Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// handleBulkUpdate serves POST /api/data/{object}/bulk-update: patch
// every record matching the filter.
func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Filters any           `json:"filters"`
		Data    driver.Record `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, objectql.NewErrorf(objectql.CodeValidation, "malformed body: %v", err))
		return
	}
	affected, err := ctx.Object(chi.URLParam(r, "object")).UpdateMany(r.Context(), body.Filters, body.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"affected": affected})
}

// handleBulkDelete serves POST /api/data/{object}/bulk-delete: remove
// every record matching the filter.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Filters any `json:"filters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, objectql.NewErrorf(objectql.CodeValidation, "malformed body: %v", err))
		return
	}
	affected, err := ctx.Object(chi.URLParam(r, "object")).DeleteMany(r.Context(), body.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"affected": affected})
}

// handleAction serves both action routes; the record id is empty on
// the global one.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.context(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var input map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, objectql.NewErrorf(objectql.CodeValidation, "malformed body: %v", err))
			return
		}
	}
	result, err := ctx.Object(chi.URLParam(r, "object")).Execute(
		r.Context(), chi.URLParam(r, "action"), chi.URLParam(r, "id"), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// listArgs reads the listing controls from the query string. The
// second return is true when the caller asked for the bare count via
// limit=0.
func listArgs(r *http.Request) (*findArgs, bool, error) {
	params := r.URL.Query()
	args := &findArgs{
		Fields:    splitList(params.Get("fields")),
		Expand:    splitList(params.Get("expand")),
		GroupBy:   splitList(params.Get("groupBy")),
		WithCount: true,
	}
	if raw := params.Get("filter"); raw != "" {
		var filters any
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			return nil, false, objectql.NewErrorf(objectql.CodeValidation, "malformed filter: %v", err)
		}
		args.Filters = filters
	}
	if raw := params.Get("sort"); raw != "" {
		if strings.HasPrefix(raw, "[") {
			if err := json.Unmarshal([]byte(raw), &args.Sort); err != nil {
				return nil, false, objectql.NewErrorf(objectql.CodeValidation, "malformed sort: %v", err)
			}
		} else {
			args.Sort = parseSortString(raw)
		}
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := intParam(raw)
		if err != nil {
			return nil, false, err
		}
		if limit == 0 {
			return args, true, nil
		}
		args.Limit = &limit
	}
	if raw := params.Get("skip"); raw != "" {
		skip, err := intParam(raw)
		if err != nil {
			return nil, false, err
		}
		args.Skip = &skip
	}
	return args, false, nil
}

func intParam(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, objectql.NewErrorf(objectql.CodeValidation, "invalid numeric parameter %q", raw)
	}
	return n, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
