package main

import (
	"net/http"
	"time"

	"github.com/mcclellann/fredLoan/pkg/ledger"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"
)

type createLoanRequest struct {
	CustomerKey       string          `json:"customer_key" validate:"required"`
	Principal         decimal.Decimal `json:"principal" validate:"gt=0"`
	AnnualRatePercent decimal.Decimal `json:"annual_rate_percent" validate:"gte=0,lt=100"`
	TenureMonths      int             `json:"tenure_months" validate:"gt=0"`
	Frequency         string          `json:"frequency" validate:"omitempty,oneof=MONTHLY QUARTERLY HALF_YEARLY YEARLY"`
	DisbursementDate  string          `json:"disbursement_date" validate:"omitempty,datetime=2006-01-02"`
}

type paymentRequest struct {
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	Reference    string          `json:"reference"`
	AllowPartial bool            `json:"allow_partial"`
}

type prepaymentRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Policy    string          `json:"policy" validate:"required,oneof=REDUCE_TENURE REDUCE_EMI"`
	Reference string          `json:"reference"`
}

type restructureRequest struct {
	Reason                string           `json:"reason" validate:"required"`
	RemainingTenureMonths int              `json:"remaining_tenure_months" validate:"gte=0"`
	AnnualRatePercent     *decimal.Decimal `json:"annual_rate_percent" validate:"omitempty,gte=0,lt=100"`
	InstallmentAmount     *decimal.Decimal `json:"installment_amount"`
}

type foreclosureRequest struct {
	Reason string `json:"reason"`
}

type foreclosurePaymentRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Reference string          `json:"reference"`
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if !s.decode(w, r, &req) {
		return
	}

	loanReq := ledger.LoanRequest{
		CustomerKey:       req.CustomerKey,
		Principal:         req.Principal,
		AnnualRatePercent: req.AnnualRatePercent,
		TenureMonths:      req.TenureMonths,
		Frequency:         models.Frequency(req.Frequency),
	}
	if loanReq.Frequency == "" {
		loanReq.Frequency = models.FrequencyMonthly
	}
	if req.DisbursementDate != "" {
		// Already checked by the datetime tag.
		loanReq.DisbursementDate, _ = time.Parse(time.DateOnly, req.DisbursementDate)
	}

	loan, err := s.ledger.CreateLoan(r.Context(), loanReq)
	if err != nil {
		s.ledgerError(w, "createLoanHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "getLoanHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		s.serverError(w, "listLoansHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	rows, err := s.ledger.GetSchedule(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "getScheduleHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) buildScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	rows, err := s.ledger.BuildInitialSchedule(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "buildScheduleHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	txs, err := s.ledger.GetTransactions(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "listTransactionsHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) recordNextPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.ledger.RecordNextPayment(r.Context(), loanID, req.Amount, req.Reference, req.AllowPartial)
	if err != nil {
		s.ledgerError(w, "recordNextPaymentHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, ok := s.pathID(w, r, "installment")
	if !ok {
		return
	}
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.ledger.RecordPayment(r.Context(), installmentID, req.Amount, req.Reference, req.AllowPartial)
	if err != nil {
		s.ledgerError(w, "recordPaymentHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) listPrepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	records, err := s.ledger.GetPrepayments(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "listPrepaymentsHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) prepaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req prepaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.ProcessPrepayment(r.Context(), loanID, req.Amount, models.PrepaymentPolicy(req.Policy), req.Reference)
	if err != nil {
		s.ledgerError(w, "prepaymentHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) listRestructuresHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	records, err := s.ledger.GetRestructures(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "listRestructuresHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) requestRestructureHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req restructureRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.RequestRestructure(r.Context(), loanID, req.Reason, models.RestructureTerms{
		RemainingTenureMonths: req.RemainingTenureMonths,
		AnnualRatePercent:     req.AnnualRatePercent,
		InstallmentAmount:     req.InstallmentAmount,
	})
	if err != nil {
		s.ledgerError(w, "requestRestructureHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) approveRestructureHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "restructure")
	if !ok {
		return
	}
	var req remarksRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.ApproveRestructure(r.Context(), id, req.Remarks)
	if err != nil {
		s.ledgerError(w, "approveRestructureHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) rejectRestructureHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "restructure")
	if !ok {
		return
	}
	var req remarksRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.RejectRestructure(r.Context(), id, req.Remarks)
	if err != nil {
		s.ledgerError(w, "rejectRestructureHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) implementRestructureHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "restructure")
	if !ok {
		return
	}
	record, err := s.ledger.ImplementRestructure(r.Context(), id)
	if err != nil {
		s.ledgerError(w, "implementRestructureHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) foreclosureQuoteHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	q, err := s.ledger.CalculateForeclosureAmount(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "foreclosureQuoteHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) listForeclosuresHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	records, err := s.ledger.GetForeclosures(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "listForeclosuresHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) requestForeclosureHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req foreclosureRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.RequestForeclosure(r.Context(), loanID, req.Reason)
	if err != nil {
		s.ledgerError(w, "requestForeclosureHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) approveForeclosureHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "foreclosure")
	if !ok {
		return
	}
	var req remarksRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.ApproveForeclosure(r.Context(), id, req.Remarks)
	if err != nil {
		s.ledgerError(w, "approveForeclosureHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) rejectForeclosureHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "foreclosure")
	if !ok {
		return
	}
	var req remarksRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.RejectForeclosure(r.Context(), id, req.Remarks)
	if err != nil {
		s.ledgerError(w, "rejectForeclosureHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) processForeclosureHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req foreclosurePaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.ledger.ProcessForeclosure(r.Context(), loanID, req.Amount, req.Reference)
	if err != nil {
		s.ledgerError(w, "processForeclosureHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) loanOverdueHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	rows, err := s.ledger.GetOverdue(r.Context(), loanID)
	if err != nil {
		s.ledgerError(w, "loanOverdueHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) openOverdueHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.GetOpenOverdue(r.Context())
	if err != nil {
		s.serverError(w, "openOverdueHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) overdueSweepHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ledger.CheckOverdueEmis(r.Context())
	if err != nil {
		s.serverError(w, "overdueSweepHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) writeOffHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, ok := s.pathID(w, r, "installment")
	if !ok {
		return
	}
	var req remarksRequest
	if !s.decode(w, r, &req) {
		return
	}
	row, err := s.ledger.WriteOffOverdue(r.Context(), installmentID, req.Remarks)
	if err != nil {
		s.ledgerError(w, "writeOffHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}
