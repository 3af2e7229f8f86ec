package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"geoquery/logger"
)

// Routes returns the HTTP handler with CORS, panic recovery and access
// logging applied.
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()

	// Write path
	router.HandleFunc("/locations/{key}", s.PutLocation).Methods("PUT")
	router.HandleFunc("/locations/{key}", s.GetLocation).Methods("GET")
	router.HandleFunc("/locations/{key}", s.DeleteLocation).Methods("DELETE")

	// One-shot queries
	router.HandleFunc("/ranges", s.Ranges).Methods("GET")
	router.HandleFunc("/search", s.Search).Methods("GET")
	router.HandleFunc("/distance", s.Distance).Methods("POST")

	// Live queries
	router.HandleFunc("/queries/stream", s.StreamQuery).Methods("GET")
	router.HandleFunc("/queries/{id}", s.GetQuery).Methods("GET")
	router.HandleFunc("/queries/{id}/criteria", s.UpdateCriteria).Methods("POST")
	router.HandleFunc("/queries/{id}", s.CancelQuery).Methods("DELETE")

	router.Handle("/metrics", s.opts.Metrics.Handler()).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)
	return logger.AccessMiddleware(s.log)(recovery(cors(router)))
}
