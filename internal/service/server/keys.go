package server

import (
	"cash_relay/internal/cryptographic/dh"
	"cash_relay/internal/model"
	"cash_relay/internal/repository/profile"
	"cash_relay/internal/utils/log"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *HttpServer) RegisterProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p model.Profile
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&p); err != nil {
			http.Error(w, "invalid profile", http.StatusBadRequest)
			return
		}
		if p.Name == "" {
			http.Error(w, "name cannot be empty", http.StatusBadRequest)
			return
		}
		if _, err := dh.ParsePublicKey(p.PublicKey); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := s.profiles.Register(r.Context(), &p)
		if errors.Is(err, profile.ErrNameTaken) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			log.Error("register profile failed", zap.String("name", p.Name), zap.Error(err))
			http.Error(w, "register profile failed", http.StatusInternalServerError)
			return
		}

		log.Info("profile registered", zap.String("name", p.Name))
		writeJSON(w, &p)
	}
}

func (s *HttpServer) GetProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		p, err := s.profiles.GetByName(r.Context(), name)
		if err != nil {
			log.Error("get profile failed", zap.String("name", name), zap.Error(err))
			http.Error(w, "get profile failed", http.StatusInternalServerError)
			return
		}
		if p == nil {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}

		writeJSON(w, p)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "marshal response failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
