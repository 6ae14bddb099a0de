// Package api exposes the intake and admin HTTP surface. The API only writes
// rows and enqueues jobs; every verification and payout decision happens in
// the worker loop.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"questpay/internal/models"
	"questpay/internal/store"
	"questpay/internal/telemetry"
)

// Store is the persistence surface the API needs.
type Store interface {
	CreateQuest(ctx context.Context, p store.CreateQuestParams) (models.Quest, error)
	GetQuest(ctx context.Context, id string) (models.Quest, error)
	CreateSubmission(ctx context.Context, p store.CreateSubmissionParams) (models.Submission, error)
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	UpdateSubmissionStatus(ctx context.Context, id, status string) error
	SaveVerificationResult(ctx context.Context, r models.VerificationResult, fingerprint, fuzzyFingerprint string) error
	Projection(ctx context.Context, submissionID string) (models.StatusProjection, error)
	EnqueueJob(ctx context.Context, jobType, entityID string) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AppendAudit(ctx context.Context, entityType, entityID, actorID, eventType string, payload map[string]any) error
	ListAudit(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error)
}

// Limiter throttles intake per wallet.
type Limiter interface {
	Allow(ctx context.Context, wallet string) (bool, float64, error)
}

// ReceiptSink stores raw receipt bytes addressed by content hash.
type ReceiptSink interface {
	Put(ctx context.Context, contentHash string, data []byte) error
}

// Server wires the HTTP handlers.
type Server struct {
	store    Store
	limiter  Limiter
	receipts ReceiptSink
	log      *zap.Logger
}

func New(st Store, limiter Limiter, receipts ReceiptSink, log *zap.Logger) *Server {
	return &Server{store: st, limiter: limiter, receipts: receipts, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/quests", s.handleCreateQuest)
	r.Get("/quests/{id}", s.handleGetQuest)
	r.Post("/submissions", s.handleCreateSubmission)
	r.Get("/submissions/{id}", s.handleGetSubmission)
	r.Get("/submissions/{id}/audit", s.handleSubmissionAudit)
	r.Post("/submissions/{id}/override", s.handleOverride)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type createQuestRequest struct {
	Name       string             `json:"name"`
	Currency   string             `json:"currency"`
	UnitAmount int64              `json:"unit_amount"`
	Budget     int64              `json:"budget_total"`
	Predicates []models.Predicate `json:"predicates"`
	Policy     models.SpendPolicy `json:"policy"`
}

func (s *Server) handleCreateQuest(w http.ResponseWriter, r *http.Request) {
	var req createQuestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Predicates) == 0 {
		http.Error(w, "at least one predicate is required", http.StatusBadRequest)
		return
	}

	quest, err := s.store.CreateQuest(r.Context(), store.CreateQuestParams{
		Name:       req.Name,
		Currency:   req.Currency,
		UnitAmount: req.UnitAmount,
		Budget:     req.Budget,
		Predicates: req.Predicates,
		Policy:     req.Policy,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.Info("quest created",
		zap.String("quest_id", quest.ID),
		zap.Int64("unit_amount", quest.UnitAmount),
		zap.Int64("budget_total", quest.BudgetTotal))
	writeJSON(w, http.StatusCreated, quest)
}

func (s *Server) handleGetQuest(w http.ResponseWriter, r *http.Request) {
	quest, err := s.store.GetQuest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "quest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, quest)
}

type createSubmissionRequest struct {
	QuestID           string `json:"quest_id"`
	Wallet            string `json:"wallet"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Justification     string `json:"justification"`
	Zip               string `json:"zip"`
	ContributorAge    *int   `json:"contributor_age"`

	// ReceiptImage is base64 receipt bytes; the server hashes and stores them.
	// Callers that uploaded out of band send ContentHash instead.
	ReceiptImage string `json:"receipt_image,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
}

type createSubmissionResponse struct {
	Submission models.Submission `json:"submission"`
	JobID      string            `json:"job_id"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.QuestID == "" || req.Wallet == "" {
		http.Error(w, "quest_id and wallet are required", http.StatusBadRequest)
		return
	}
	if req.ReceiptImage == "" && req.ContentHash == "" {
		http.Error(w, "receipt_image or content_hash is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.Wallet)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.IntakeRejected.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if _, err := s.store.GetQuest(r.Context(), req.QuestID); err != nil {
		http.Error(w, "quest not found", http.StatusNotFound)
		return
	}

	contentHash := req.ContentHash
	if req.ReceiptImage != "" {
		raw, err := base64.StdEncoding.DecodeString(req.ReceiptImage)
		if err != nil {
			http.Error(w, "receipt_image is not valid base64", http.StatusBadRequest)
			return
		}
		sum := sha256.Sum256(raw)
		contentHash = hex.EncodeToString(sum[:])
		if err := s.receipts.Put(r.Context(), contentHash, raw); err != nil {
			s.log.Error("store receipt bytes", zap.Error(err))
			http.Error(w, "failed to store receipt", http.StatusInternalServerError)
			return
		}
	}

	sub, err := s.store.CreateSubmission(r.Context(), store.CreateSubmissionParams{
		QuestID:           req.QuestID,
		Wallet:            req.Wallet,
		DeviceFingerprint: req.DeviceFingerprint,
		ContentHash:       contentHash,
		Justification:     req.Justification,
		Zip:               req.Zip,
		ContributorAge:    req.ContributorAge,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job, err := s.store.EnqueueJob(r.Context(), models.JobTypeVerify, sub.ID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	s.audit(r.Context(), sub.ID, req.Wallet, "submission_received", map[string]any{
		"quest_id":     req.QuestID,
		"content_hash": contentHash,
		"job_id":       job.ID,
	})

	s.log.Info("submission accepted",
		zap.String("submission_id", sub.ID),
		zap.String("quest_id", sub.QuestID),
		zap.String("job_id", job.ID))
	writeJSON(w, http.StatusAccepted, createSubmissionResponse{Submission: sub, JobID: job.ID})
}

// handleGetSubmission serves the owner-facing status projection, not the raw
// row, so internal state never leaks.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	proj, err := s.store.Projection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleSubmissionAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAudit(r.Context(), "submission", chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to read audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type overrideRequest struct {
	ActorID  string `json:"actor_id"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// handleOverride lets an operator force a decision. An approve override writes
// a synthetic verification result and chains a payout; paid submissions are
// immutable.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		http.Error(w, "actor_id is required", http.StatusBadRequest)
		return
	}
	if req.Decision != models.DecisionApprove && req.Decision != models.DecisionReject {
		http.Error(w, "decision must be approve or reject", http.StatusBadRequest)
		return
	}

	sub, err := s.store.GetSubmission(r.Context(), id)
	if err != nil {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}
	if sub.Status == models.SubmissionPaid {
		http.Error(w, "paid submissions cannot be overridden", http.StatusConflict)
		return
	}

	reasons := []string{"operator override: " + req.Reason}
	result := models.VerificationResult{
		SubmissionID: sub.ID,
		Decision:     req.Decision,
		Reasons:      reasons,
	}
	if err := s.store.SaveVerificationResult(r.Context(), result, "", ""); err != nil {
		http.Error(w, "failed to record override", http.StatusInternalServerError)
		return
	}

	status := models.SubmissionRejected
	if req.Decision == models.DecisionApprove {
		status = models.SubmissionApproved
	}
	if err := s.store.UpdateSubmissionStatus(r.Context(), sub.ID, status); err != nil {
		http.Error(w, "failed to update submission", http.StatusInternalServerError)
		return
	}

	var jobID string
	if req.Decision == models.DecisionApprove {
		job, err := s.store.EnqueueJob(r.Context(), models.JobTypePayout, sub.ID)
		if err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		jobID = job.ID
	}

	s.audit(r.Context(), sub.ID, req.ActorID, "decision_overridden", map[string]any{
		"decision": req.Decision,
		"reason":   req.Reason,
		"job_id":   jobID,
	})

	s.log.Info("submission overridden",
		zap.String("submission_id", sub.ID),
		zap.String("actor_id", req.ActorID),
		zap.String("decision", req.Decision))
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// audit appends best-effort: a sink failure is logged, never propagated.
func (s *Server) audit(ctx context.Context, submissionID, actorID, eventType string, payload map[string]any) {
	if err := s.store.AppendAudit(ctx, "submission", submissionID, actorID, eventType, payload); err != nil {
		s.log.Warn("audit append failed",
			zap.String("submission_id", submissionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
