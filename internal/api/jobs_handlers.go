package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/hpc-gateway/internal/jobs"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List(r.Context(), r.URL.Query().Get("cluster"), principalName(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.URL.Query().Get("cluster"), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, job)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), req, principalName(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Cancel(r.Context(), r.URL.Query().Get("cluster"), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, res)
}
