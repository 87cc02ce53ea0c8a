package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"Chorus-Network/internal/auth"
	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/ledger"
)

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID        string          `json:"owner_id"`
		InitialBalance *credits.Amount `json:"initial_balance,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.OwnerID) == "" {
		body.OwnerID = auth.OwnerFromContext(r.Context(), "")
	}
	acct, created, err := s.deps.Ledger.OpenAccount(r.Context(), body.OwnerID, body.InitialBalance)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"owner_id": acct.OwnerID,
		"balance":  acct.Balance,
		"created":  created,
	})
}

// handleBalance 对未知所有者返回 0 余额而不是 404。
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner_id"]
	balance, err := s.deps.Ledger.Balance(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "balance": balance})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.From) == "" {
		req.From = auth.OwnerFromContext(r.Context(), "")
	}
	entry, err := s.deps.Ledger.Transfer(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	sender, err := s.deps.Ledger.Balance(r.Context(), entry.From)
	if err != nil {
		writeError(w, err)
		return
	}
	receiver, err := s.deps.Ledger.Balance(r.Context(), entry.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "completed",
		"transfer":         entry,
		"sender_balance":   sender,
		"receiver_balance": receiver,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Ledger.History(r.Context(), ledger.HistoryQuery{
		Owner: r.URL.Query().Get("owner_id"),
		JobID: r.URL.Query().Get("job_id"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries, "total": len(entries)})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Verify(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (s *Server) handleEconomy(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Ledger.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"total_accounts":     stats.Accounts,
		"total_transactions": stats.Transactions,
		"total_volume":       stats.Volume,
		"total_supply":       stats.TotalSupply,
	}
	if s.deps.Directory != nil {
		agents, err := s.deps.Directory.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		body["total_agents"] = len(agents)
	}
	writeJSON(w, http.StatusOK, body)
}
