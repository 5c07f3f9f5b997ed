// Package models defines the replica's database models and the canonical
// code table shared by the ledger-facing and replica-facing paths.
package models

import "fmt"

// VoteType is the canonical vote choice.
type VoteType string

const (
	VoteUpvote   VoteType = "upvote"
	VoteDownvote VoteType = "downvote"
	VoteAbstain  VoteType = "abstain"
)

// ProposalStatus is the canonical proposal lifecycle state.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusActive   ProposalStatus = "active"
	StatusPassed   ProposalStatus = "passed"
	StatusRejected ProposalStatus = "rejected"
	StatusClosed   ProposalStatus = "closed"
)

// Ledger codes. The contract stores enums as uint8 in declaration order.
var (
	voteTypeCodes = map[VoteType]uint8{
		VoteUpvote:   0,
		VoteDownvote: 1,
		VoteAbstain:  2,
	}
	statusCodes = map[ProposalStatus]uint8{
		StatusPending:  0,
		StatusActive:   1,
		StatusPassed:   2,
		StatusRejected: 3,
		StatusClosed:   4,
	}
	voteTypesByCode = invert(voteTypeCodes)
	statusesByCode  = invert(statusCodes)
)

func invert[K comparable](m map[K]uint8) map[uint8]K {
	out := make(map[uint8]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// VoteTypes returns every vote type in ledger code order.
func VoteTypes() []VoteType {
	return []VoteType{VoteUpvote, VoteDownvote, VoteAbstain}
}

// Valid reports whether v is a known vote type.
func (v VoteType) Valid() bool {
	_, ok := voteTypeCodes[v]
	return ok
}

// Code returns the ledger code for v.
func (v VoteType) Code() (uint8, error) {
	c, ok := voteTypeCodes[v]
	if !ok {
		return 0, fmt.Errorf("unknown vote type %q", string(v))
	}
	return c, nil
}

// VoteTypeFromCode maps a ledger code back to its canonical vote type.
func VoteTypeFromCode(code uint8) (VoteType, error) {
	v, ok := voteTypesByCode[code]
	if !ok {
		return "", fmt.Errorf("unknown vote type code %d", code)
	}
	return v, nil
}

// ParseVoteType accepts the canonical string form.
func ParseVoteType(s string) (VoteType, error) {
	v := VoteType(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown vote type %q", s)
	}
	return v, nil
}

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	_, ok := statusCodes[s]
	return ok
}

// Code returns the ledger code for s.
func (s ProposalStatus) Code() (uint8, error) {
	c, ok := statusCodes[s]
	if !ok {
		return 0, fmt.Errorf("unknown proposal status %q", string(s))
	}
	return c, nil
}

// StatusFromCode maps a ledger code back to its canonical status.
func StatusFromCode(code uint8) (ProposalStatus, error) {
	s, ok := statusesByCode[code]
	if !ok {
		return "", fmt.Errorf("unknown proposal status code %d", code)
	}
	return s, nil
}

// ParseStatus accepts the canonical string form.
func ParseStatus(s string) (ProposalStatus, error) {
	st := ProposalStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown proposal status %q", s)
	}
	return st, nil
}

// TxKind is the logical ledger call an audit entry records.
type TxKind string

const (
	TxCreateProposal TxKind = "create_proposal"
	TxVote           TxKind = "vote"
	TxChangeVote     TxKind = "change_vote"
	TxStatusUpdate   TxKind = "status_update"
)

// TxStatus is the outcome of a submitted ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// AttemptPhase tracks a dual-write attempt from signing to replica application.
type AttemptPhase string

const (
	PhaseInitiated      AttemptPhase = "initiated"
	PhaseSubmitted      AttemptPhase = "submitted"
	PhaseConfirmed      AttemptPhase = "confirmed"
	PhaseReplicaApplied AttemptPhase = "replica_applied"
	// PhaseUnrecoverable: confirmed, but the replica row it belongs to is gone
	// and cannot be rebuilt. The sweep no longer picks it up.
	PhaseUnrecoverable AttemptPhase = "unrecoverable"
)
