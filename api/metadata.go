package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syssam/objectql"
)

// handleListObjects serves the object summaries; the federation driver
// fetches the full definitions per name afterwards.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	objects := s.rt.Registry().Objects()
	summaries := make([]map[string]any, len(objects))
	for i, obj := range objects {
		summaries[i] = map[string]any{
			"name":  obj.FQN(),
			"label": obj.DisplayLabel(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": summaries})
}

// handleGetObject serves the full definition of one object.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	obj, err := s.rt.Registry().Object(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleGetField(w http.ResponseWriter, r *http.Request) {
	obj, err := s.rt.Registry().Object(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "field")
	f := obj.Field(name)
	if f == nil {
		writeError(w, objectql.NewErrorf(objectql.CodeNotFound, "%s has no field %q", obj.FQN(), name))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	obj, err := s.rt.Registry().Object(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": obj.Actions})
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Registry().Views())
}

func (s *Server) handleListDatasources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.DatasourceInfo())
}
