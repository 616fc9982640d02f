package main

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	standardMiddleware := alice.New(s.recoverPanic, s.logRequest, secureHeaders)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	r.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	r.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/schedule", s.getScheduleHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/schedule", s.buildScheduleHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/transactions", s.listTransactionsHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/payments", s.recordNextPaymentHandler).Methods("POST")
	r.HandleFunc("/installments/{id}/payments", s.recordPaymentHandler).Methods("POST")

	r.HandleFunc("/loans/{id}/prepayments", s.listPrepaymentsHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/prepayments", s.prepaymentHandler).Methods("POST")

	r.HandleFunc("/loans/{id}/restructures", s.listRestructuresHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/restructures", s.requestRestructureHandler).Methods("POST")
	r.HandleFunc("/restructures/{id}/approve", s.approveRestructureHandler).Methods("POST")
	r.HandleFunc("/restructures/{id}/reject", s.rejectRestructureHandler).Methods("POST")
	r.HandleFunc("/restructures/{id}/implement", s.implementRestructureHandler).Methods("POST")

	r.HandleFunc("/loans/{id}/foreclosure-quote", s.foreclosureQuoteHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/foreclosures", s.listForeclosuresHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/foreclosures", s.requestForeclosureHandler).Methods("POST")
	r.HandleFunc("/loans/{id}/foreclose", s.processForeclosureHandler).Methods("POST")
	r.HandleFunc("/foreclosures/{id}/approve", s.approveForeclosureHandler).Methods("POST")
	r.HandleFunc("/foreclosures/{id}/reject", s.rejectForeclosureHandler).Methods("POST")

	r.HandleFunc("/loans/{id}/overdue", s.loanOverdueHandler).Methods("GET")
	r.HandleFunc("/overdue", s.openOverdueHandler).Methods("GET")
	r.HandleFunc("/overdue/sweep", s.overdueSweepHandler).Methods("POST")
	r.HandleFunc("/installments/{id}/write-off", s.writeOffHandler).Methods("POST")

	return standardMiddleware.Then(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{"GET", "POST", "HEAD", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"}),
	)(r))
}
