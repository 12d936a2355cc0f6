// Package handshake implements the resource handshake: a four-message
// challenge/response run over the resource-exchange channel that proves a
// peer can fetch and serve content under the identity it claims, before any
// request to compute a task is released to it.
package handshake

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Verdict is a three-valued verification result.
type Verdict int

const (
	// VerdictUnknown means no decision has been made yet.
	VerdictUnknown Verdict = iota

	// VerdictAccepted means the nonce echo matched.
	VerdictAccepted

	// VerdictRejected means the nonce echo did not match.
	VerdictRejected
)

// String returns a human-readable name for the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictUnknown:
		return "Unknown"
	case VerdictAccepted:
		return "Accepted"
	case VerdictRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Verdict(%d)", v)
	}
}

// MarshalText encodes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// IsKnown returns true once a decision has been recorded.
func (v Verdict) IsKnown() bool {
	return v == VerdictAccepted || v == VerdictRejected
}

func verdictOf(accepted bool) Verdict {
	if accepted {
		return VerdictAccepted
	}
	return VerdictRejected
}

// Record is the handshake state kept for one remote peer.
//
// A Record is NOT safe for concurrent use. It is owned by a Store entry and
// only touched from the event loop.
type Record struct {
	peerID    peer.ID
	nonce     string
	started   bool
	file      string
	ref       string
	pending   *wire.TaskRequest
	local     Verdict
	remote    Verdict
	createdAt time.Time
}

// NewRecord creates a record for peerID with a fresh random nonce, stamped
// with clk. pending is the deferred task request, or nil if the handshake
// was not triggered by an outbound request.
func NewRecord(clk clock.Clock, peerID peer.ID, pending *wire.TaskRequest) *Record {
	return newRecord(peerID, uuid.NewString(), pending, clk.Now())
}

func newRecord(peerID peer.ID, nonce string, pending *wire.TaskRequest, now time.Time) *Record {
	var req *wire.TaskRequest
	if pending != nil {
		copied := *pending
		req = &copied
	}
	return &Record{
		peerID:    peerID,
		nonce:     nonce,
		pending:   req,
		createdAt: now,
	}
}

// PeerID returns the remote peer this record belongs to.
func (r *Record) PeerID() peer.ID { return r.peerID }

// Nonce returns the nonce generated for this handshake instance.
func (r *Record) Nonce() string { return r.nonce }

// Started reports whether the nonce file has been written.
func (r *Record) Started() bool { return r.started }

// File returns the path of the nonce file written by Begin.
func (r *Record) File() string { return r.file }

// Ref returns the content reference the nonce file is shared under, or ""
// while it is not shared.
func (r *Record) Ref() string { return r.ref }

// CreatedAt returns when the record was created.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// LocalVerified returns whether the peer echoed this node's nonce correctly.
func (r *Record) LocalVerified() Verdict { return r.local }

// RemoteVerified returns the peer's verdict on this node's echo.
func (r *Record) RemoteVerified() Verdict { return r.remote }

// HasPending reports whether a deferred task request is still held.
func (r *Record) HasPending() bool { return r.pending != nil }

// Begin writes the nonce as the sole contents of directory/<peer> and marks
// the record started. Each remote peer gets its own file, so concurrent
// handshakes never overwrite each other's nonce.
func (r *Record) Begin(directory string) error {
	file := filepath.Join(directory, r.peerID.String())
	if err := os.WriteFile(file, []byte(r.nonce), 0600); err != nil {
		return fmt.Errorf("failed to write nonce file: %w", err)
	}
	r.file = file
	r.started = true
	return nil
}

// ReadNonce reads a nonce file and trims surrounding whitespace.
func ReadNonce(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read nonce file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// VerifyLocal records whether candidate equals this record's nonce and
// returns the result. Only the first call decides; later calls return the
// recorded verdict.
func (r *Record) VerifyLocal(candidate string) bool {
	if !r.local.IsKnown() {
		r.local = verdictOf(candidate == r.nonce)
	}
	return r.local == VerdictAccepted
}

// RecordRemoteVerdict stores the peer's verdict. Only the first call decides.
func (r *Record) RecordRemoteVerdict(accepted bool) {
	if !r.remote.IsKnown() {
		r.remote = verdictOf(accepted)
	}
}

// Finished returns true once both verdicts are known.
func (r *Record) Finished() bool {
	return r.local.IsKnown() && r.remote.IsKnown()
}

// Succeeded returns true if both verdicts are accepted.
func (r *Record) Succeeded() bool {
	return r.local == VerdictAccepted && r.remote == VerdictAccepted
}

// takePending returns the deferred request and clears it, so it is released at most once.
func (r *Record) takePending() (wire.TaskRequest, bool) {
	if r.pending == nil {
		return wire.TaskRequest{}, false
	}
	req := *r.pending
	r.pending = nil
	return req, true
}

func (r *Record) setRef(ref string) {
	r.ref = ref
}

// takeRef returns the shared reference and clears it.
func (r *Record) takeRef() string {
	ref := r.ref
	r.ref = ""
	return ref
}

// setPending replaces the deferred request.
func (r *Record) setPending(req wire.TaskRequest) {
	r.pending = &req
}

// Status is a read-only snapshot of a Record.
type Status struct {
	PeerID         peer.ID   `json:"peer_id"`
	Started        bool      `json:"started"`
	LocalVerified  Verdict   `json:"local_verified"`
	RemoteVerified Verdict   `json:"remote_verified"`
	Finished       bool      `json:"finished"`
	Succeeded      bool      `json:"succeeded"`
	PendingRequest bool      `json:"pending_request"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status returns a snapshot of the record.
func (r *Record) Status() Status {
	return Status{
		PeerID:         r.peerID,
		Started:        r.started,
		LocalVerified:  r.local,
		RemoteVerified: r.remote,
		Finished:       r.Finished(),
		Succeeded:      r.Succeeded(),
		PendingRequest: r.pending != nil,
		CreatedAt:      r.createdAt,
	}
}
