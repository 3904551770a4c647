package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"pushbot/internal/campaign"
)

type errorBody struct {
	Error  string                `json:"error"`
	Fields []campaign.FieldError `json:"fields,omitempty"`
}

type listBody[T any] struct {
	Items  []T `json:"items"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeList[T any](w http.ResponseWriter, items []T, p campaign.Page) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, listBody[T]{Items: items, Offset: p.Offset, Limit: p.Limit})
}

func writeValidation(w http.ResponseWriter, fields []campaign.FieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Fields: fields})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// decode reads a single strict JSON object into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		badRequest(w, "invalid body: trailing data")
		return false
	}
	return true
}

// page parses offset/limit, answering 400 itself on garbage.
func page(w http.ResponseWriter, r *http.Request) (campaign.Page, bool) {
	var p campaign.Page
	q := r.URL.Query()
	for _, f := range []struct {
		name string
		dst  *int
	}{{"offset", &p.Offset}, {"limit", &p.Limit}} {
		s := q.Get(f.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(w, f.name+" must be a non-negative integer")
			return campaign.Page{}, false
		}
		*f.dst = n
	}
	return p.Normalize(), true
}
