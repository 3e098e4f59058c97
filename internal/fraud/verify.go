package fraud

import (
	"context"
	"errors"
	"fmt"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/metrics"
)

// VerificationStatus is the result of reconciling a record with the ledger.
type VerificationStatus string

const (
	VerificationVerified        VerificationStatus = "verified"
	VerificationMismatch        VerificationStatus = "mismatch"
	VerificationPending         VerificationStatus = "pending"
	VerificationNotAnchored     VerificationStatus = "not_anchored"
	VerificationNotFoundOnChain VerificationStatus = "not_found_on_chain"
)

// Verification compares a stored record with its on-chain event.
type Verification struct {
	Reference  string             `json:"reference"`
	Status     VerificationStatus `json:"status"`
	Record     *audit.Record      `json:"record"`
	Anchor     *audit.AnchorEvent `json:"anchor,omitempty"`
	Chain      *anchor.ChainEvent `json:"chain,omitempty"`
	Mismatches []string           `json:"mismatches,omitempty"`
}

// Verify reads the ledger event for reference's anchor and checks that the
// score, model version and reference all match the stored record. The chain
// event is always recomputed from the ledger.
func (s *Service) Verify(ctx context.Context, reference string) (*Verification, error) {
	rec, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	v := &Verification{Reference: reference, Record: rec}

	ev, err := s.store.LatestAnchor(ctx, reference)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		return s.verified(v, VerificationNotAnchored), nil
	case err != nil:
		return nil, err
	}
	v.Anchor = ev

	switch ev.Status {
	case audit.AnchorSkipped, audit.AnchorFailed:
		return s.verified(v, VerificationNotAnchored), nil
	case audit.AnchorPending:
		return s.verified(v, VerificationPending), nil
	}

	if !anchor.IsTxHash(ev.TxHash) {
		return s.verified(v, VerificationNotAnchored), nil
	}
	if s.reader == nil {
		return nil, fmt.Errorf("%w: no ledger configured", anchor.ErrUnavailable)
	}

	chain, err := s.reader.Read(ctx, ev.TxHash)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		if ev.Status == audit.AnchorSubmitted {
			return s.verified(v, VerificationPending), nil
		}
		return s.verified(v, VerificationNotFoundOnChain), nil
	}
	v.Chain = chain

	v.Mismatches = compare(rec, chain)
	if len(v.Mismatches) > 0 {
		s.logger.Warn("on-chain record does not match audit log",
			"reference", reference, "tx", chain.TxHash, "mismatches", v.Mismatches)
		return s.verified(v, VerificationMismatch), nil
	}
	return s.verified(v, VerificationVerified), nil
}

func (s *Service) verified(v *Verification, status VerificationStatus) *Verification {
	v.Status = status
	metrics.VerificationsTotal.WithLabelValues(string(status)).Inc()
	return v
}

func compare(rec *audit.Record, chain *anchor.ChainEvent) []string {
	var out []string
	if rec.Score != chain.Score {
		out = append(out, fmt.Sprintf("fraudScore: stored %d, on chain %d", rec.Score, chain.Score))
	}
	if rec.ModelVersion != chain.ModelVersion {
		out = append(out, fmt.Sprintf("modelVersion: stored %q, on chain %q", rec.ModelVersion, chain.ModelVersion))
	}
	if rec.Reference != chain.Reference {
		out = append(out, fmt.Sprintf("referenceId: stored %q, on chain %q", rec.Reference, chain.Reference))
	}
	return out
}
